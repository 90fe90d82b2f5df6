// Package metrics holds the relay's Prometheus collectors.
//
// Every method is safe on a nil *Metrics so that components can run without
// instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "masterbox_relay"

// Emission results for the cloud_emits_total counter.
const (
	EmitSent    = "sent"
	EmitDropped = "dropped"
)

// Outcomes for api_requests_total and status_reports_total.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// LinkStates lists every Cloud Link state so the gauge can be reset on each
// transition. Kept in sync with cloudlink.State.
var LinkStates = []string{"unbootstrapped", "connecting", "connected", "disconnected_retrying"}

// Metrics holds the relay's collectors.
type Metrics struct {
	busMessages      *prometheus.CounterVec
	busMalformed     *prometheus.CounterVec
	localBroadcasts  *prometheus.CounterVec
	cloudEmits       *prometheus.CounterVec
	apiRequests      *prometheus.CounterVec
	statusReports    *prometheus.CounterVec
	linkState        *prometheus.GaugeVec
	bootstrapAttempt *prometheus.CounterVec
	subscriptionKeys prometheus.Gauge
	pendingTimers    prometheus.Gauge
	localPeers       prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		busMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "messages_total",
			Help:      "Bus messages received, by topic.",
		}, []string{"topic"}),
		busMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "malformed_total",
			Help:      "Bus messages dropped because they could not be decoded.",
		}, []string{"topic"}),
		localBroadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "broadcasts_total",
			Help:      "Events broadcast to local peers, by kind.",
		}, []string{"kind"}),
		cloudEmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cloud",
			Name:      "emits_total",
			Help:      "Events emitted on the Cloud Link, by event and result.",
		}, []string{"event", "result"}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cloud",
			Name:      "api_requests_total",
			Help:      "api-request calls forwarded to the backend, by outcome.",
		}, []string{"outcome"}),
		statusReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "status_reports_total",
			Help:      "Lifecycle status PATCHes, by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		linkState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cloud",
			Name:      "link_state",
			Help:      "1 for the Cloud Link's current state, 0 otherwise.",
		}, []string{"state"}),
		bootstrapAttempt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cloud",
			Name:      "bootstrap_attempts_total",
			Help:      "Bootstrap attempts, by result (assigned, unassigned, error).",
		}, []string{"result"}),
		subscriptionKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "keys",
			Help:      "Composite keys tracked by the subscription registry.",
		}),
		pendingTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "pending_timers",
			Help:      "Armed telemetry coalescing timers.",
		}),
		localPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "peers",
			Help:      "Connected local peers.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.busMessages, m.busMalformed, m.localBroadcasts, m.cloudEmits,
			m.apiRequests, m.statusReports, m.linkState, m.bootstrapAttempt,
			m.subscriptionKeys, m.pendingTimers, m.localPeers,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

// BusMessage counts a received bus message.
func (m *Metrics) BusMessage(topic string) {
	if m == nil {
		return
	}
	m.busMessages.WithLabelValues(topic).Inc()
}

// BusMalformed counts a dropped, undecodable bus message.
func (m *Metrics) BusMalformed(topic string) {
	if m == nil {
		return
	}
	m.busMalformed.WithLabelValues(topic).Inc()
}

// LocalBroadcast counts a hub broadcast. kind is the event name, except for
// telemetry where the per-key event name is collapsed to "telemetry".
func (m *Metrics) LocalBroadcast(kind string) {
	if m == nil {
		return
	}
	m.localBroadcasts.WithLabelValues(kind).Inc()
}

// CloudEmit counts an outbound Cloud Link event.
func (m *Metrics) CloudEmit(event string, sent bool) {
	if m == nil {
		return
	}
	result := EmitSent
	if !sent {
		result = EmitDropped
	}
	m.cloudEmits.WithLabelValues(event, result).Inc()
}

// APIRequest counts a forwarded api-request.
func (m *Metrics) APIRequest(err error) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(outcome(err)).Inc()
}

// StatusReport counts a lifecycle status PATCH.
func (m *Metrics) StatusReport(eventType string, err error) {
	if m == nil {
		return
	}
	m.statusReports.WithLabelValues(eventType, outcome(err)).Inc()
}

// BootstrapAttempt counts a bootstrap attempt.
func (m *Metrics) BootstrapAttempt(result string) {
	if m == nil {
		return
	}
	m.bootstrapAttempt.WithLabelValues(result).Inc()
}

// LinkState marks state as the current Cloud Link state.
func (m *Metrics) LinkState(state string) {
	if m == nil {
		return
	}
	for _, s := range LinkStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.linkState.WithLabelValues(s).Set(v)
	}
}

// SubscriptionKeys sets the registry size.
func (m *Metrics) SubscriptionKeys(n int) {
	if m == nil {
		return
	}
	m.subscriptionKeys.Set(float64(n))
}

// PendingTimers sets the number of armed coalescing timers.
func (m *Metrics) PendingTimers(n int) {
	if m == nil {
		return
	}
	m.pendingTimers.Set(float64(n))
}

// LocalPeers sets the number of connected local peers.
func (m *Metrics) LocalPeers(n int) {
	if m == nil {
		return
	}
	m.localPeers.Set(float64(n))
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}
