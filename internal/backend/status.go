package backend

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/nerrad567/masterbox-relay/internal/infrastructure/logging"
	"github.com/nerrad567/masterbox-relay/internal/metrics"
)

// Lifecycle event types reported to the backend.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

// isoMillis matches the timestamp format the backend stores.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

type lifecycleEvent struct {
	EventType string `json:"eventType"`
	Time      string `json:"time"`
}

// StatusReporter tells the backend when the cloud link comes and goes.
type StatusReporter struct {
	client     *Client
	macAddress string
	logger     *logging.Logger
	metrics    *metrics.Metrics
	wg         sync.WaitGroup
}

// NewStatusReporter creates a reporter for the box identified by macAddress.
func NewStatusReporter(client *Client, macAddress string, logger *logging.Logger, m *metrics.Metrics) *StatusReporter {
	if logger == nil {
		logger = logging.Discard()
	}
	return &StatusReporter{
		client:     client,
		macAddress: macAddress,
		logger:     logger,
		metrics:    m,
	}
}

// ReportLifecycleEvent sends the event in the background. It never blocks the
// caller and failures are only logged.
func (r *StatusReporter) ReportLifecycleEvent(eventType string, at time.Time) {
	body, err := json.Marshal(lifecycleEvent{
		EventType: eventType,
		Time:      at.UTC().Format(isoMillis),
	})
	if err != nil {
		r.logger.Error("encoding lifecycle event", "event_type", eventType, "error", err)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := r.send(body)
		r.metrics.StatusReport(eventType, err)
		if err != nil {
			r.logger.Warn("lifecycle report failed", "event_type", eventType, "error", err)
			return
		}
		r.logger.Debug("lifecycle report sent", "event_type", eventType)
	}()
}

// Wait blocks until every in-flight report has finished.
func (r *StatusReporter) Wait() {
	r.wg.Wait()
}

func (r *StatusReporter) send(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.client.http.Timeout)
	defer cancel()

	target := r.client.baseURL + "/masterbox/" + url.PathEscape(r.macAddress)
	_, err := r.client.do(ctx, r.client.control, http.MethodPatch, target, body, nil)
	return err
}
