package api

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/nerrad567/masterbox-relay/internal/journal"
	"github.com/nerrad567/masterbox-relay/internal/relay"
)

// rootMessage is the body of GET /. Existing monitors match on it.
const rootMessage = "Socket io - Client & Server"

// healthCheckTimeout bounds each component probe in GET /api/v1/health.
const healthCheckTimeout = 2 * time.Second

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": rootMessage})
}

// slaveRequest is the body of the slave presence endpoints.
type slaveRequest struct {
	MACAddress string `json:"macAddress"`
}

func (s *Server) handleSlaveConnect(w http.ResponseWriter, r *http.Request) {
	s.handleSlavePresence(w, r, s.relay.SlaveConnected)
}

func (s *Server) handleSlaveDisconnect(w http.ResponseWriter, r *http.Request) {
	s.handleSlavePresence(w, r, s.relay.SlaveDisconnected)
}

// handleSlavePresence relays a slave presence change. A missing body or
// macAddress is accepted; the event is relayed without an address.
func (s *Server) handleSlavePresence(w http.ResponseWriter, r *http.Request, relayFn func(string) error) {
	req, err := decodeSlaveRequest(r)
	if err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	if err := relayFn(req.MACAddress); err != nil {
		if errors.Is(err, relay.ErrStopped) {
			writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "relay is shutting down")
			return
		}
		s.logger.Error("relaying slave presence failed", "path", r.URL.Path, "error", err)
		writeInternalError(w, "failed to relay slave presence")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"message": true})
}

// decodeSlaveRequest accepts JSON or form-encoded bodies.
func decodeSlaveRequest(r *http.Request) (slaveRequest, error) {
	var req slaveRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")) //nolint:errcheck // empty type falls through to JSON
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseForm(); err != nil {
			return req, err
		}
		req.MACAddress = r.PostForm.Get("macAddress")
		return req, nil
	}

	if r.Body == nil || r.ContentLength == 0 {
		return req, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, err
	}
	return req, nil
}

// handleHealth reports component health. The cloud link being offline is a
// normal operating state and never makes the relay unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{}
	healthy := true

	if s.mqtt != nil {
		if err := probe(r.Context(), s.mqtt.HealthCheck); err != nil {
			components["mqtt"] = "unhealthy: " + err.Error()
			healthy = false
		} else {
			components["mqtt"] = "ok"
		}
	}
	if s.db != nil {
		if err := probe(r.Context(), s.db.HealthCheck); err != nil {
			components["database"] = "unhealthy: " + err.Error()
			healthy = false
		} else {
			components["database"] = "ok"
		}
	}
	if s.link != nil {
		components["cloud_link"] = s.link.Status().State.String()
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"version":    s.version,
		"components": components,
	})
}

func probe(ctx context.Context, check func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	return check(ctx)
}

func (s *Server) handleLinkStatus(w http.ResponseWriter, _ *http.Request) {
	if s.link == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "cloud link not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.link.Status())
}

// handleLinkEvents lists journal entries.
// Query: limit (1-500), event_type, since (RFC 3339).
func (s *Server) handleLinkEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "link journal disabled")
		return
	}

	q := r.URL.Query()
	filter := journal.Filter{EventType: q.Get("event_type")}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = t
	}

	entries, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing link events failed", "error", err)
		writeInternalError(w, "failed to list link events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": entries,
		"count":  len(entries),
	})
}
