package api

import (
	"context"
	"sync"

	"github.com/goccy/go-json"

	"github.com/nerrad567/masterbox-relay/internal/infrastructure/config"
	"github.com/nerrad567/masterbox-relay/internal/infrastructure/logging"
	"github.com/nerrad567/masterbox-relay/internal/metrics"
)

// Peer events the hub answers itself.
const (
	PeerEventDeviceStateUpdated = "deviceStateUpdated"
	PeerEventPing               = "ping"
	PeerEventPong               = "pong"
	PeerEventError              = "error"
)

// PeerMessage is the envelope exchanged with local peers in both directions.
type PeerMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// PeerHandler receives deviceStateUpdated payloads from local peers.
type PeerHandler interface {
	PeerDeviceStateUpdated(data []byte) error
}

// Hub is the set of connected local peers. Every relay event is broadcast
// to all of them; there is no per-peer subscription.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	peers map[*peer]struct{}

	handlerMu sync.RWMutex
	handler   PeerHandler
}

// NewHub returns an empty hub. m may be nil.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		peers:   make(map[*peer]struct{}),
	}
}

// SetHandler attaches the relay engine. The engine is built after the hub,
// so this cannot be a constructor argument.
func (h *Hub) SetHandler(handler PeerHandler) {
	h.handlerMu.Lock()
	h.handler = handler
	h.handlerMu.Unlock()
}

func (h *Hub) peerHandler() PeerHandler {
	h.handlerMu.RLock()
	defer h.handlerMu.RUnlock()
	return h.handler
}

// Run blocks until ctx is done, then disconnects every peer.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[*peer]struct{})
	h.mu.Unlock()

	for p := range peers {
		p.close()
	}
	h.metrics.LocalPeers(0)
}

func (h *Hub) register(p *peer) {
	h.mu.Lock()
	h.peers[p] = struct{}{}
	n := len(h.peers)
	h.mu.Unlock()

	h.metrics.LocalPeers(n)
	h.logger.Debug("local peer connected", "peer", p.id, "peers", n)
}

// unregister is idempotent.
func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	_, known := h.peers[p]
	delete(h.peers, p)
	n := len(h.peers)
	h.mu.Unlock()

	p.close()
	if known {
		h.metrics.LocalPeers(n)
		h.logger.Debug("local peer disconnected", "peer", p.id, "peers", n)
	}
}

// Broadcast sends event to every peer. A peer whose buffer is full misses it.
// A nil payload produces an envelope without data.
func (h *Hub) Broadcast(event string, payload any) {
	data, err := encodePeerMessage(event, payload)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		targets = append(targets, p)
	}
	h.mu.RUnlock()

	for _, p := range targets {
		p.enqueue(data)
	}
}

// ClientCount is the number of connected peers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

func encodePeerMessage(event string, payload any) ([]byte, error) {
	msg := PeerMessage{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}
