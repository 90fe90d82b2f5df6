// Package subscription tracks which cloud users want telemetry for which
// (trial, device, subject) combination.
package subscription

import (
	"sort"
	"sync"
)

// Key identifies a telemetry stream: trialId, deviceId and subjectId joined
// with underscores, in that order.
type Key string

// NewKey builds the key for a (trial, device, subject) triple.
//
// The join is order-sensitive and performs no escaping, so identifiers that
// themselves contain "_" can collide. Upstream identifiers are generated IDs
// and never contain underscores.
func NewKey(trialID, deviceID, subjectID string) Key {
	return Key(trialID + "_" + deviceID + "_" + subjectID)
}

// String returns the key as sent on the wire.
func (k Key) String() string {
	return string(k)
}

// Registry maps keys to the set of subscribed user IDs.
//
// Subscribe is idempotent and Unsubscribe of a non-member is a no-op.
// Empty sets left behind by Unsubscribe are kept until Clear.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	subs map[Key]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[Key]map[string]struct{})}
}

// Subscribe adds userID to key's subscriber set.
//
// Returns:
//   - bool: true if the user was not already subscribed
func (r *Registry) Subscribe(key Key, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subs[key]
	if !ok {
		set = make(map[string]struct{})
		r.subs[key] = set
	}
	if _, exists := set[userID]; exists {
		return false
	}
	set[userID] = struct{}{}
	return true
}

// Unsubscribe removes userID from key's subscriber set.
//
// Returns:
//   - bool: true if the user was subscribed
func (r *Registry) Unsubscribe(key Key, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subs[key]
	if !ok {
		return false
	}
	if _, exists := set[userID]; !exists {
		return false
	}
	delete(set, userID)
	return true
}

// Subscribers returns a sorted copy of key's subscribers. Never nil.
func (r *Registry) Subscribers(key Key) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.subs[key]
	users := make([]string, 0, len(set))
	for u := range set {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Clear deletes key and all of its subscribers.
//
// Returns:
//   - int: number of subscribers removed
func (r *Registry) Clear(key Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.subs[key])
	delete(r.subs, key)
	return n
}

// Len returns the number of keys tracked, including keys with empty sets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Snapshot returns the subscriber count for every tracked key.
func (r *Registry) Snapshot() map[Key]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[Key]int, len(r.subs))
	for k, set := range r.subs {
		out[k] = len(set)
	}
	return out
}
