package cloudlink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/goccy/go-json"

	"github.com/nerrad567/masterbox-relay/internal/backend"
	"github.com/nerrad567/masterbox-relay/internal/infrastructure/config"
	"github.com/nerrad567/masterbox-relay/internal/infrastructure/logging"
	"github.com/nerrad567/masterbox-relay/internal/journal"
	"github.com/nerrad567/masterbox-relay/internal/metrics"
	"github.com/nerrad567/masterbox-relay/internal/subscription"
)

const (
	defaultReconnectDelay   = 15 * time.Second
	defaultBootstrapDelay   = 60 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultOutboundBuffer   = 256
	journalWriteTimeout     = 5 * time.Second
)

// Clock tags, used by tests to trap the link's timers.
const (
	clockTagLink      = "cloudlink"
	clockTagBootstrap = "bootstrap"
	clockTagReconnect = "reconnect"
)

// Bootstrap outcomes for metrics.
const (
	bootstrapAssigned   = "assigned"
	bootstrapUnassigned = "unassigned"
	bootstrapFailed     = "failed"
)

// Handler receives the cloud events that change relay state.
type Handler interface {
	Subscribe(key subscription.Key, userID string)
	Unsubscribe(key subscription.Key, userID string)
	DeviceStateUpdated(data []byte)
}

// Backend is the subset of the REST client the link needs.
type Backend interface {
	FetchAssignment(ctx context.Context) (string, error)
	Forward(ctx context.Context, req backend.APIRequest) (json.RawMessage, error)
}

// Reporter receives connect/disconnect lifecycle events.
type Reporter interface {
	ReportLifecycleEvent(eventType string, at time.Time)
}

// StateRecorder receives every state transition.
type StateRecorder interface {
	WriteLinkState(state string)
}

// Options configures a Link. Backend, Reporter and Handler are required.
type Options struct {
	Config     config.CloudConfig
	MACAddress string

	Backend  Backend
	Reporter Reporter
	Handler  Handler

	// Dialer defaults to a WSDialer using Config.HandshakeTimeout.
	Dialer Dialer
	Clock  quartz.Clock

	Logger   *logging.Logger
	Metrics  *metrics.Metrics
	Journal  journal.Repository
	Recorder StateRecorder

	// OutboundBuffer bounds frames queued for the writer. Default: 256
	OutboundBuffer int
}

// Link is the Cloud Link.
type Link struct {
	target           string
	token            string
	macAddress       string
	handshakeTimeout time.Duration
	outboundBuffer   int
	bootstrapPolicy  backoff.BackOff
	reconnectPolicy  backoff.BackOff

	backend  Backend
	reporter Reporter
	handler  Handler
	dialer   Dialer
	clock    quartz.Clock
	logger   *logging.Logger
	metrics  *metrics.Metrics
	journal  journal.Repository
	recorder StateRecorder

	mu             sync.Mutex
	ctx            context.Context
	closed         bool
	state          State
	assignedTo     string
	session        *session
	connectedSince time.Time
	timer          *quartz.Timer
	timerGen       uint64

	wg sync.WaitGroup
}

// New creates a Link in the unbootstrapped state. Call Run to start it.
func New(opts Options) (*Link, error) {
	if opts.Backend == nil {
		return nil, errors.New("cloudlink: backend is required")
	}
	if opts.Reporter == nil {
		return nil, errors.New("cloudlink: reporter is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("cloudlink: handler is required")
	}
	if opts.Config.URL == "" {
		return nil, errors.New("cloudlink: url is required")
	}
	target, err := Target(opts.Config.URL, opts.MACAddress)
	if err != nil {
		return nil, err
	}

	reconnect := opts.Config.GetReconnectDelay()
	if reconnect <= 0 {
		reconnect = defaultReconnectDelay
	}
	bootstrap := opts.Config.GetBootstrapRetryDelay()
	if bootstrap <= 0 {
		bootstrap = defaultBootstrapDelay
	}
	handshake := opts.Config.GetHandshakeTimeout()
	if handshake <= 0 {
		handshake = defaultHandshakeTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = WSDialer{HandshakeTimeout: handshake}
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.OutboundBuffer <= 0 {
		opts.OutboundBuffer = defaultOutboundBuffer
	}

	return &Link{
		target:           target,
		token:            opts.Config.Token,
		macAddress:       opts.MACAddress,
		handshakeTimeout: handshake,
		outboundBuffer:   opts.OutboundBuffer,
		bootstrapPolicy:  backoff.NewConstantBackOff(bootstrap),
		reconnectPolicy:  backoff.NewConstantBackOff(reconnect),
		backend:          opts.Backend,
		reporter:         opts.Reporter,
		handler:          opts.Handler,
		dialer:           opts.Dialer,
		clock:            opts.Clock,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		journal:          opts.Journal,
		recorder:         opts.Recorder,
		state:            StateUnbootstrapped,
	}, nil
}

// Run bootstraps the link and keeps it alive until ctx is cancelled. On
// return the connection is closed and every goroutine the link started has
// exited.
func (l *Link) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.ctx != nil {
		l.mu.Unlock()
		return errors.New("cloudlink: already running")
	}
	l.ctx = ctx
	l.metrics.LinkState(string(l.state))
	l.mu.Unlock()

	l.logger.Info("cloud link starting", "target", l.target)
	if l.enter() {
		go func() {
			defer l.wg.Done()
			l.bootstrap()
		}()
	}

	<-ctx.Done()
	l.shutdown()
	l.logger.Info("cloud link stopped")
	return nil
}

// State returns the current link state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Status returns a snapshot for the API.
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := Status{
		State:          l.state,
		MACAddress:     l.macAddress,
		AssignedToUser: l.assignedTo,
	}
	if !l.connectedSince.IsZero() {
		since := l.connectedSince
		st.ConnectedSince = &since
	}
	return st
}

// Emit queues an event for the cloud. While the link is not connected the
// event is dropped. Emit never blocks on the network.
func (l *Link) Emit(event string, data any) {
	l.mu.Lock()
	s := l.session
	l.mu.Unlock()

	if s == nil || s.isClosed() {
		l.logger.Debug("cloud link down, dropping event", "event", event)
		l.metrics.CloudEmit(event, false)
		return
	}

	f, err := NewFrame(event, data)
	if err != nil {
		l.logger.Warn("dropping unencodable cloud event", "event", event, "error", err)
		l.metrics.CloudEmit(event, false)
		return
	}

	select {
	case s.out <- f:
		l.metrics.CloudEmit(event, true)
	default:
		l.logger.Warn("cloud outbound buffer full, dropping event", "event", event)
		l.metrics.CloudEmit(event, false)
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// enter registers a goroutine with the link. It fails once shutdown has begun.
func (l *Link) enter() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.wg.Add(1)
	return true
}

func (l *Link) shutdown() {
	l.mu.Lock()
	l.closed = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	s := l.session
	l.session = nil
	l.mu.Unlock()

	if s != nil {
		s.close()
	}
	l.wg.Wait()
}

// bootstrap asks the backend who owns this box and dials once assigned.
func (l *Link) bootstrap() {
	user, err := l.backend.FetchAssignment(l.ctx)
	if err != nil {
		if l.ctx.Err() != nil {
			return
		}
		if errors.Is(err, backend.ErrNotAssigned) {
			l.logger.Info("masterbox not assigned to a user, will retry")
			l.metrics.BootstrapAttempt(bootstrapUnassigned)
			l.record(journal.EventBootstrapUnassigned, nil)
		} else {
			l.logger.Warn("bootstrap failed, will retry", "error", err)
			l.metrics.BootstrapAttempt(bootstrapFailed)
			l.record(journal.EventBootstrapFailed, err)
		}
		l.schedule(l.bootstrapPolicy.NextBackOff(), clockTagBootstrap, l.bootstrap)
		return
	}

	l.mu.Lock()
	l.assignedTo = user
	l.mu.Unlock()

	l.logger.Info("masterbox assigned", "user", user)
	l.metrics.BootstrapAttempt(bootstrapAssigned)
	l.record(journal.EventBootstrapAssigned, nil)
	l.connect()
}

// connect dials the cloud once. A failed dial schedules the next attempt.
func (l *Link) connect() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.setStateLocked(StateConnecting)
	auth := Auth{Token: l.token, AssignedToUser: l.assignedTo}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(l.ctx, l.handshakeTimeout)
	conn, err := l.dialer.Dial(ctx, l.target, auth)
	cancel()
	if err != nil {
		if l.ctx.Err() != nil {
			return
		}
		l.logger.Warn("cloud connect error", "error", err)
		l.record(journal.EventConnectError, err)
		l.scheduleReconnect()
		return
	}

	s := newSession(conn, l.outboundBuffer)
	now := l.clock.Now()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		s.close()
		return
	}
	l.session = s
	l.connectedSince = now
	l.setStateLocked(StateConnected)
	l.wg.Add(2)
	l.mu.Unlock()

	go l.readLoop(s)
	go l.writeLoop(s)

	l.logger.Info("connected to cloud socket server")
	l.reporter.ReportLifecycleEvent(backend.EventConnected, now)
	l.record(journal.EventConnected, nil)
}

// handleDisconnect retires s and schedules a single reconnect. It is a no-op
// for a session that was already replaced or shut down.
func (l *Link) handleDisconnect(s *session, cause error) {
	l.mu.Lock()
	if l.session != s {
		l.mu.Unlock()
		s.close()
		return
	}
	l.session = nil
	l.connectedSince = time.Time{}
	l.setStateLocked(StateDisconnectedRetrying)
	l.mu.Unlock()

	s.close()
	l.logger.Warn("cloud link disconnected", "mac_address", l.macAddress, "error", cause)
	l.reporter.ReportLifecycleEvent(backend.EventDisconnected, l.clock.Now())
	l.record(journal.EventDisconnected, cause)
	l.scheduleReconnect()
}

func (l *Link) scheduleReconnect() {
	d := l.reconnectPolicy.NextBackOff()
	l.logger.Info("cloud reconnect scheduled", "delay", d)
	l.record(journal.EventReconnectScheduled, nil)
	l.schedule(d, clockTagReconnect, l.connect)
}

// schedule arms the link's single pending timer, replacing any previous one.
// A superseded timer that fires anyway does nothing.
func (l *Link) schedule(d time.Duration, tag string, fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.timerGen++
	gen := l.timerGen
	l.mu.Unlock()

	// The clock may block here under test, so it is called without the lock.
	t := l.clock.AfterFunc(d, func() {
		if !l.enter() {
			return
		}
		defer l.wg.Done()

		l.mu.Lock()
		current := l.timerGen == gen
		if current {
			l.timer = nil
		}
		l.mu.Unlock()
		if !current {
			return
		}
		fn()
	}, clockTagLink, tag)

	l.mu.Lock()
	if l.closed || l.timerGen != gen {
		t.Stop()
	} else {
		l.timer = t
	}
	l.mu.Unlock()
}

func (l *Link) setStateLocked(s State) {
	if l.state == s {
		return
	}
	l.logger.Debug("cloud link state changed", "from", l.state, "to", s)
	l.state = s
	l.metrics.LinkState(string(s))
	if l.recorder != nil {
		l.recorder.WriteLinkState(string(s))
	}
}

// record appends a journal entry. Journal failures are logged only.
func (l *Link) record(eventType string, cause error) {
	if l.journal == nil {
		return
	}

	l.mu.Lock()
	entry := &journal.Entry{
		EventType:  eventType,
		State:      string(l.state),
		AssignedTo: l.assignedTo,
		CreatedAt:  l.clock.Now().UTC(),
	}
	l.mu.Unlock()
	if cause != nil {
		entry.Detail = cause.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	if err := l.journal.Record(ctx, entry); err != nil {
		l.logger.Warn("journal write failed", "event_type", eventType, "error", err)
	}
}
