package cloudlink

import (
	"errors"
	"sync"

	"github.com/goccy/go-json"

	"github.com/nerrad567/masterbox-relay/internal/backend"
	"github.com/nerrad567/masterbox-relay/internal/subscription"
)

// session is one established connection and its outbound queue.
type session struct {
	conn Conn
	out  chan Frame
	done chan struct{}
	once sync.Once
}

func newSession(conn Conn, buffer int) *session {
	return &session{
		conn: conn,
		out:  make(chan Frame, buffer),
		done: make(chan struct{}),
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		//nolint:errcheck // Best-effort close; the read loop reports the outcome
		s.conn.Close()
	})
}

func (s *session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (l *Link) readLoop(s *session) {
	defer l.wg.Done()
	for {
		f, err := s.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrInvalidFrame) {
				l.logger.Warn("dropping invalid cloud frame", "error", err)
				continue
			}
			l.handleDisconnect(s, err)
			return
		}
		l.dispatch(f)
	}
}

func (l *Link) writeLoop(s *session) {
	defer l.wg.Done()
	for {
		select {
		case f := <-s.out:
			if err := s.conn.WriteFrame(f); err != nil {
				l.logger.Warn("cloud write failed", "event", f.Event, "error", err)
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// dispatch handles one inbound cloud event.
func (l *Link) dispatch(f Frame) {
	switch f.Event {
	case EventAPIRequest:
		l.handleAPIRequest(f.Data)
	case EventSubscribeDeviceData:
		l.handleSubscription(f.Data, true)
	case EventUnsubscribeDeviceData:
		l.handleSubscription(f.Data, false)
	case EventDeviceStateUpdated:
		l.handler.DeviceStateUpdated(f.Data)
	case EventSlaveDisconnect:
		l.logger.Info("cloud reported slave disconnect", "data", string(f.Data))
	case EventError:
		l.logger.Warn("error from cloud socket server", "data", string(f.Data))
	default:
		l.logger.Debug("ignoring cloud event", "event", f.Event)
	}
}

type subscriptionRequest struct {
	UserID subscription.ID `json:"userId"`
	subscription.Ref
}

func (l *Link) handleSubscription(data []byte, subscribe bool) {
	var req subscriptionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		l.logger.Warn("invalid subscription request", "error", err)
		return
	}
	if err := req.Ref.Validate(); err != nil || req.UserID.IsZero() {
		l.logger.Warn("incomplete subscription request", "data", string(data))
		return
	}

	if subscribe {
		l.handler.Subscribe(req.Ref.Key(), req.UserID.String())
		return
	}
	l.handler.Unsubscribe(req.Ref.Key(), req.UserID.String())
}

// apiRequest is forwarded to the backend. userId and uuid are echoed back
// untouched so the cloud can correlate the response.
type apiRequest struct {
	UserID  json.RawMessage    `json:"userId"`
	UUID    json.RawMessage    `json:"uuid"`
	APIData backend.APIRequest `json:"apiData"`
}

type apiResponse struct {
	Response json.RawMessage `json:"response,omitempty"`
	Error    json.RawMessage `json:"error,omitempty"`
	UserID   json.RawMessage `json:"userId,omitempty"`
	UUID     json.RawMessage `json:"uuid,omitempty"`
}

// handleAPIRequest forwards the request on its own goroutine so the read
// loop keeps going while the backend answers.
func (l *Link) handleAPIRequest(data []byte) {
	var req apiRequest
	if err := json.Unmarshal(data, &req); err != nil {
		l.logger.Warn("invalid api-request", "error", err)
		return
	}
	if !l.enter() {
		return
	}

	go func() {
		defer l.wg.Done()

		l.logger.Debug("forwarding api-request", "method", req.APIData.Method, "url", req.APIData.URL)
		resp, err := l.backend.Forward(l.ctx, req.APIData)
		l.metrics.APIRequest(err)

		reply := apiResponse{UserID: req.UserID, UUID: req.UUID}
		if err != nil {
			l.logger.Warn("api-request failed", "url", req.APIData.URL, "error", err)
			reply.Error = backend.ErrorBody(err)
		} else {
			reply.Response = resp
		}
		l.Emit(EventAPIResponse, reply)
	}()
}
