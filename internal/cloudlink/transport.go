package cloudlink

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Conn is an established cloud channel.
type Conn interface {
	// ReadFrame blocks until the next inbound frame. Errors other than
	// ErrInvalidFrame end the connection.
	ReadFrame() (Frame, error)
	WriteFrame(f Frame) error
	Close() error
}

// Dialer opens cloud channels.
type Dialer interface {
	Dial(ctx context.Context, target string, auth Auth) (Conn, error)
}

// WSDialer dials the cloud over a websocket and sends the auth frame first.
type WSDialer struct {
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
}

// Dial connects to target and authenticates.
func (d WSDialer) Dial(ctx context.Context, target string, auth Auth) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	ws, resp, err := dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDialFailed, err)
	}
	if d.MaxMessageSize > 0 {
		ws.SetReadLimit(d.MaxMessageSize)
	}

	conn := &wsConn{ws: ws}
	f, err := NewFrame(EventAuth, auth)
	if err == nil {
		err = conn.WriteFrame(f)
	}
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("%w: sending auth: %w", ErrDialFailed, err)
	}
	return conn, nil
}

// wsConn adapts a gorilla connection to Conn. Writes are serialised because
// gorilla allows only one concurrent writer.
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) ReadFrame() (Frame, error) {
	for {
		kind, msg, err := c.ws.ReadMessage()
		if err != nil {
			return Frame{}, err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		return DecodeFrame(msg)
	}
}

func (c *wsConn) WriteFrame(f Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	//nolint:errcheck // Best-effort deadline; write error caught below
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	//nolint:errcheck // Best-effort close message
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.ws.Close()
}

// Target returns the cloud URL with the masterbox query parameters added.
func Target(base, macAddress string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing cloud url: %w", err)
	}
	q := u.Query()
	q.Set("deviceType", "masterbox")
	q.Set("macAddress", macAddress)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
