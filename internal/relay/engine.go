package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"

	"github.com/nerrad567/masterbox-relay/internal/infrastructure/logging"
	"github.com/nerrad567/masterbox-relay/internal/metrics"
	"github.com/nerrad567/masterbox-relay/internal/subscription"
)

const defaultQueueSize = 1024

// Broadcaster sends an event to every connected local peer.
type Broadcaster interface {
	Broadcast(event string, payload any)
}

// Emitter sends an event over the Cloud Link. Emit must never block on the
// network and must drop silently when the link is down.
type Emitter interface {
	Emit(event string, data any)
}

// EventRecorder receives one sample per relayed bus message.
type EventRecorder interface {
	WriteRelayEvent(topic string, recipients int, bytes int)
}

// Options configures an Engine. Registry, Hub and Cloud are required.
type Options struct {
	Registry *subscription.Registry
	Hub      Broadcaster
	Cloud    Emitter

	Logger   *logging.Logger
	Metrics  *metrics.Metrics
	Recorder EventRecorder
	Clock    quartz.Clock

	// QueueSize bounds the event queue. Producers block when it is full.
	QueueSize int

	// BatchInterval enables per-key coalescing of cloud telemetry when > 0.
	BatchInterval time.Duration
}

// Engine is the relay's decision core. All state changes happen on the
// goroutine running Run.
type Engine struct {
	registry *subscription.Registry
	hub      Broadcaster
	cloud    Emitter
	logger   *logging.Logger
	metrics  *metrics.Metrics
	recorder EventRecorder

	queue   chan func()
	stopped chan struct{}
	timers  *PendingTimers
}

// New creates an Engine. Call Run to start processing.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, errors.New("relay: registry is required")
	}
	if opts.Hub == nil {
		return nil, errors.New("relay: hub is required")
	}
	if opts.Cloud == nil {
		return nil, errors.New("relay: cloud emitter is required")
	}
	if opts.BatchInterval < 0 {
		return nil, fmt.Errorf("relay: batch interval must not be negative, got %s", opts.BatchInterval)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	e := &Engine{
		registry: opts.Registry,
		hub:      opts.Hub,
		cloud:    opts.Cloud,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		recorder: opts.Recorder,
		queue:    make(chan func(), opts.QueueSize),
		stopped:  make(chan struct{}),
	}
	e.timers = newPendingTimers(opts.Clock, opts.BatchInterval, e.post, e.flushPending)
	return e, nil
}

// Run processes queued events until ctx is cancelled. Pending timers are
// cancelled on return. Run must be called at most once.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)
	defer e.timers.CancelAll()

	e.logger.Info("relay engine started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("relay engine stopped")
			return nil
		case fn := <-e.queue:
			e.exec(fn)
		}
	}
}

// Sync blocks until every event queued before the call has been handled.
func (e *Engine) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if err := e.enqueue(func() { close(done) }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PendingCount returns the number of live coalescing timers.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	var n int
	done := make(chan struct{})
	if err := e.enqueue(func() { n = e.timers.Len(); close(done) }); err != nil {
		return 0, err
	}
	select {
	case <-done:
		return n, nil
	case <-e.stopped:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (e *Engine) enqueue(fn func()) error {
	select {
	case <-e.stopped:
		return ErrStopped
	default:
	}
	select {
	case e.queue <- fn:
		return nil
	case <-e.stopped:
		return ErrStopped
	}
}

// post is used by timer callbacks, which have nobody to return an error to.
func (e *Engine) post(fn func()) {
	_ = e.enqueue(fn)
}

func (e *Engine) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("relay event panic recovered", "panic", r)
		}
	}()
	fn()
}

// =============================================================================
// Cloud Link handler
// =============================================================================

// Subscribe records userID's interest in key.
func (e *Engine) Subscribe(key subscription.Key, userID string) {
	e.post(func() {
		if e.registry.Subscribe(key, userID) {
			e.logger.Debug("subscribed to device data", "key", key, "user", userID)
		}
		e.metrics.SubscriptionKeys(e.registry.Len())
	})
}

// Unsubscribe removes userID's interest in key.
func (e *Engine) Unsubscribe(key subscription.Key, userID string) {
	e.post(func() {
		if e.registry.Unsubscribe(key, userID) {
			e.logger.Debug("unsubscribed from device data", "key", key, "user", userID)
		}
	})
}

// DeviceStateUpdated relays a cloud-originated device state change to local
// peers unless the payload carries emitOnIO:false.
func (e *Engine) DeviceStateUpdated(data []byte) {
	payload := clonePayload(data)
	e.post(func() {
		var flags deviceStateFlags
		// A payload that is not an object simply has no flag.
		_ = unmarshal(payload, &flags)
		if flags.EmitOnIO != nil && !*flags.EmitOnIO {
			e.logger.Debug("device state update suppressed for local peers")
			return
		}
		e.broadcast(EventDeviceStateUpdated, EventDeviceStateUpdated, payload)
	})
}

// =============================================================================
// Local peers and REST
// =============================================================================

// PeerDeviceStateUpdated relays a peer's device state change to every peer,
// the sender included, and forwards it to the cloud marked emitOnIO:false so
// the cloud does not echo it back.
func (e *Engine) PeerDeviceStateUpdated(data []byte) error {
	payload := clonePayload(data)
	return e.enqueue(func() {
		e.broadcast(EventDeviceStateUpdated, EventDeviceStateUpdated, payload)

		forwarded, err := withEmitOnIOFalse(payload)
		if err != nil {
			e.logger.Warn("device state update not forwarded to cloud", "error", err)
			return
		}
		e.cloud.Emit(EventDeviceStateUpdated, forwarded)
	})
}

// SlaveConnected announces a slave box to local peers and the cloud.
func (e *Engine) SlaveConnected(macAddress string) error {
	return e.slavePresence(EventSlaveConnect, macAddress)
}

// SlaveDisconnected announces a slave box leaving.
func (e *Engine) SlaveDisconnected(macAddress string) error {
	return e.slavePresence(EventSlaveDisconnect, macAddress)
}

func (e *Engine) slavePresence(event, macAddress string) error {
	return e.enqueue(func() {
		msg := slavePresence{MACAddress: macAddress}
		e.broadcast(event, event, msg)
		e.cloud.Emit(event, msg)
		e.logger.Info("slave presence relayed", "event", event, "mac_address", macAddress)
	})
}

func (e *Engine) broadcast(kind, event string, payload any) {
	e.hub.Broadcast(event, payload)
	e.metrics.LocalBroadcast(kind)
}
