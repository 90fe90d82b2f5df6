package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// peerSendBuffer is how many outbound messages a slow peer may lag behind.
	peerSendBuffer = 256

	defaultKeepalive = 25 * time.Second
	defaultWriteWait = 20 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The masterbox LAN is trusted; browsers are governed by CORS.
	CheckOrigin: func(*http.Request) bool { return true },
}

// peer is one websocket connection from the local network. send is never
// closed; done signals the writer to stop, so a late enqueue cannot panic.
type peer struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(hub *Hub, conn *websocket.Conn) *peer {
	return &peer{
		id:   uuid.NewString(),
		hub:  hub,
		conn: conn,
		send: make(chan []byte, peerSendBuffer),
		done: make(chan struct{}),
	}
}

// handleWebSocket upgrades the request and attaches the peer to the hub.
// Peers need no handshake.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	p := newPeer(s.hub, conn)
	s.hub.register(p)

	keepalive := time.Duration(s.wsCfg.PingInterval) * time.Second
	if keepalive <= 0 {
		keepalive = defaultKeepalive
	}
	writeWait := time.Duration(s.wsCfg.PongTimeout) * time.Second
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	go p.writeLoop(keepalive, writeWait)
	go p.readLoop(int64(s.wsCfg.MaxMessageSize), keepalive+writeWait)
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		if p.conn != nil {
			p.conn.Close()
		}
	})
}

// enqueue never blocks.
func (p *peer) enqueue(data []byte) {
	select {
	case <-p.done:
	case p.send <- data:
	default:
		p.hub.logger.Warn("peer send buffer full, dropping message", "peer", p.id)
	}
}

// readLoop feeds incoming messages to handleMessage until the connection
// fails or goes quiet for longer than idle.
func (p *peer) readLoop(limit int64, idle time.Duration) {
	defer p.hub.unregister(p)

	if limit > 0 {
		p.conn.SetReadLimit(limit)
	}
	extend := func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(idle))
	}
	extend("") //nolint:errcheck // a failed deadline surfaces as a read error
	p.conn.SetPongHandler(extend)

	for {
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.hub.logger.Warn("websocket read error", "peer", p.id, "error", err)
			}
			return
		}
		// Browsers do not always answer protocol pings; any message counts.
		extend("") //nolint:errcheck // as above
		p.handleMessage(msg)
	}
}

// writeLoop is the only writer on the connection.
func (p *peer) writeLoop(keepalive, writeWait time.Duration) {
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	write := func(kind int, data []byte) error {
		p.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // write reports it
		return p.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case <-p.done:
			write(websocket.CloseMessage, nil) //nolint:errcheck // connection is going away
			return
		case msg := <-p.send:
			if err := write(websocket.TextMessage, msg); err != nil {
				p.close()
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				p.close()
				return
			}
		}
	}
}

func (p *peer) handleMessage(raw []byte) {
	var msg PeerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		p.reply(PeerEventError, map[string]string{"message": "invalid JSON message"})
		return
	}

	switch msg.Event {
	case PeerEventDeviceStateUpdated:
		handler := p.hub.peerHandler()
		if handler == nil {
			p.hub.logger.Warn("no relay attached, dropping peer device state update", "peer", p.id)
			return
		}
		if err := handler.PeerDeviceStateUpdated(msg.Data); err != nil {
			p.hub.logger.Warn("peer device state update not relayed", "peer", p.id, "error", err)
		}
	case PeerEventPing:
		p.reply(PeerEventPong, nil)
	default:
		p.reply(PeerEventError, map[string]string{"message": "unknown event: " + msg.Event})
	}
}

func (p *peer) reply(event string, payload any) {
	if data, err := encodePeerMessage(event, payload); err == nil {
		p.enqueue(data)
	}
}
