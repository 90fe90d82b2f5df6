package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/masterbox-relay/internal/infrastructure/config"
)

// Logger is the subset of logging.Logger (and slog.Logger) the client uses.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// MessageHandler receives one bus message. It runs on paho's delivery
// goroutine, so it should only enqueue. A returned error is logged at warn.
type MessageHandler func(topic string, payload []byte) error

// hooks are the caller-supplied callbacks, swapped as a unit.
type hooks struct {
	logger       Logger
	onConnect    func()
	onDisconnect func(err error)
}

// Client is the relay's connection to the masterbox broker. It is safe for
// concurrent use; topics subscribed through it are re-subscribed after every
// reconnect.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig

	connected atomic.Bool

	subMu  sync.RWMutex
	topics map[string]route

	hookMu sync.RWMutex
	hooks  hooks
}

// route is a subscribed topic and where its messages go.
type route struct {
	qos     byte
	handler MessageHandler
}

// Connect dials the broker named in cfg and waits up to the connect timeout
// for the session. On failure paho's background retries are stopped before
// returning, so a failed Connect leaves nothing running.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := newClient(cfg)

	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect handler runs asynchronously.
	c.connected.Store(true)
	return c, nil
}

func newClient(cfg config.MQTTConfig) *Client {
	c := &Client{
		cfg:    cfg,
		topics: make(map[string]route),
	}

	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		if log := c.getLogger(); log != nil {
			log.Info("MQTT reconnecting", "broker", brokerURL(cfg.Broker))
		}
	})

	c.client = pahomqtt.NewClient(opts)
	return c
}

func (c *Client) currentHooks() hooks {
	c.hookMu.RLock()
	defer c.hookMu.RUnlock()
	return c.hooks
}

func (c *Client) handleConnect() {
	c.connected.Store(true)

	c.subMu.RLock()
	for topic, r := range c.topics {
		// A failure here shows up as the next connection loss.
		c.client.Subscribe(topic, r.qos, c.wrapHandler(r.handler))
	}
	c.subMu.RUnlock()

	if err := c.publishStatus("online", ""); err != nil {
		if log := c.getLogger(); log != nil {
			log.Warn("MQTT presence not published", "error", err)
		}
	}

	if cb := c.currentHooks().onConnect; cb != nil {
		cb()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connected.Store(false)

	h := c.currentHooks()
	if h.logger != nil {
		h.logger.Warn("MQTT connection lost", "error", err)
	}
	if h.onDisconnect != nil {
		h.onDisconnect(err)
	}
}

// publishStatus retains the relay's presence on the status topic.
func (c *Client) publishStatus(status, reason string) error {
	return c.Publish(Topics{}.RelayStatus(), buildStatusPayload(status, c.cfg.Broker.ClientID, reason), 1, true)
}

// Close publishes a graceful offline status, distinct from the crash status
// left by the will, and disconnects. Closing twice is harmless.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		//nolint:errcheck // Best effort; the will covers a failed publish
		c.publishStatus("offline", "graceful_shutdown")
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the broker session is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) IsConnected() bool {
	if c == nil || c.client == nil {
		return false
	}
	return c.connected.Load() && c.client.IsConnected()
}

// SetOnConnect registers a callback run after every (re)connect.
func (c *Client) SetOnConnect(cb func()) {
	c.hookMu.Lock()
	c.hooks.onConnect = cb
	c.hookMu.Unlock()
}

func (c *Client) SetOnDisconnect(cb func(err error)) {
	c.hookMu.Lock()
	c.hooks.onDisconnect = cb
	c.hookMu.Unlock()
}

// SetLogger enables logging of connection events and handler failures.
func (c *Client) SetLogger(logger Logger) {
	c.hookMu.Lock()
	c.hooks.logger = logger
	c.hookMu.Unlock()
}

func (c *Client) getLogger() Logger {
	return c.currentHooks().logger
}

// wrapHandler adapts a MessageHandler to paho, recovering panics so one bad
// payload cannot kill the delivery goroutine.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if log := c.getLogger(); log != nil {
					log.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			if log := c.getLogger(); log != nil {
				log.Warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
			}
		}
	}
}
