package relay

import (
	"time"

	"github.com/coder/quartz"
	"github.com/goccy/go-json"

	"github.com/nerrad567/masterbox-relay/internal/subscription"
)

// Clock tags for the coalescing timers, used by tests to trap them.
const (
	clockTagRelay   = "relay"
	clockTagPending = "pending"
)

type pendingEntry struct {
	timer   *quartz.Timer
	ref     subscription.Ref
	records []json.RawMessage
}

// PendingTimers buffers telemetry per key and flushes it on a fixed
// interval. There is at most one timer per key.
//
// PendingTimers is not safe for concurrent use. Timer callbacks never touch
// it directly: they post a closure through post, which the engine runs on
// its own goroutine. A tick for an entry that has since been cancelled or
// replaced finds a different entry in the map and does nothing.
type PendingTimers struct {
	clock    quartz.Clock
	interval time.Duration
	post     func(func())
	flush    func(subscription.Ref, []json.RawMessage)
	entries  map[subscription.Key]*pendingEntry
}

func newPendingTimers(
	clock quartz.Clock,
	interval time.Duration,
	post func(func()),
	flush func(subscription.Ref, []json.RawMessage),
) *PendingTimers {
	return &PendingTimers{
		clock:    clock,
		interval: interval,
		post:     post,
		flush:    flush,
		entries:  make(map[subscription.Key]*pendingEntry),
	}
}

// Enabled reports whether coalescing is switched on.
func (p *PendingTimers) Enabled() bool {
	return p.interval > 0
}

// Len returns the number of live timers.
func (p *PendingTimers) Len() int {
	return len(p.entries)
}

// Buffer appends records to ref's buffer, arming a timer if none is live.
func (p *PendingTimers) Buffer(ref subscription.Ref, records []json.RawMessage) {
	key := ref.Key()
	entry, ok := p.entries[key]
	if !ok {
		entry = &pendingEntry{ref: ref}
		p.entries[key] = entry
		p.arm(key, entry)
	}
	entry.records = append(entry.records, records...)
}

// Cancel stops and removes key's timer, discarding its buffer. It returns the
// number of discarded records and whether a timer existed.
func (p *PendingTimers) Cancel(key subscription.Key) (int, bool) {
	entry, ok := p.entries[key]
	if !ok {
		return 0, false
	}
	entry.timer.Stop()
	delete(p.entries, key)
	return len(entry.records), true
}

// CancelAll stops every timer.
func (p *PendingTimers) CancelAll() {
	for key := range p.entries {
		p.Cancel(key)
	}
}

func (p *PendingTimers) arm(key subscription.Key, entry *pendingEntry) {
	entry.timer = p.clock.AfterFunc(p.interval, func() {
		p.post(func() { p.fire(key, entry) })
	}, clockTagRelay, clockTagPending)
}

// fire flushes the entry's buffer. An entry that buffered nothing since the
// previous tick is retired; otherwise the timer is re-armed.
func (p *PendingTimers) fire(key subscription.Key, entry *pendingEntry) {
	if p.entries[key] != entry {
		return
	}
	records := entry.records
	entry.records = nil
	if len(records) == 0 {
		delete(p.entries, key)
		return
	}
	p.flush(entry.ref, records)
	p.arm(key, entry)
}
