package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/goccy/go-json"

	"github.com/nerrad567/masterbox-relay/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration. Nothing in this file dials it.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "masterbox-relay-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// fakeMessage implements pahomqtt.Message.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// mockLogger implements Logger for testing.
type mockLogger struct {
	mu     sync.Mutex
	infos  []string
	errors []string
	warns  []string
}

func (l *mockLogger) Info(msg string, _ ...any) {
	l.mu.Lock()
	l.infos = append(l.infos, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

// =============================================================================
// Options
// =============================================================================

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.MQTTBrokerConfig
		want string
	}{
		{
			name: "explicit url wins",
			cfg:  config.MQTTBrokerConfig{URL: "mqtt://broker:1884", Host: "ignored", Port: 1},
			want: "mqtt://broker:1884",
		},
		{
			name: "plain tcp",
			cfg:  config.MQTTBrokerConfig{Host: "localhost", Port: 1883},
			want: "tcp://localhost:1883",
		},
		{
			name: "tls",
			cfg:  config.MQTTBrokerConfig{Host: "broker.example.com", Port: 8883, TLS: true},
			want: "ssl://broker.example.com:8883",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := brokerURL(tt.cfg); got != tt.want {
				t.Errorf("brokerURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.MQTTAuthConfig{Username: "relay", Password: "pw"}

	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Fatalf("Servers = %v, want [tcp://127.0.0.1:1883]", opts.Servers)
	}
	if opts.ClientID != "masterbox-relay-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "relay" || opts.Password != "pw" {
		t.Errorf("credentials = %q/%q, want relay/pw", opts.Username, opts.Password)
	}
	if !opts.CleanSession {
		t.Error("CleanSession = false, want true")
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect = false, want true")
	}
	if opts.TLSConfig != nil && len(opts.TLSConfig.Certificates) > 0 {
		t.Error("TLS should not be configured for plain tcp")
	}
	if !opts.WillEnabled || opts.WillTopic != (Topics{}).RelayStatus() || !opts.WillRetained {
		t.Errorf("will = enabled:%v topic:%q retained:%v", opts.WillEnabled, opts.WillTopic, opts.WillRetained)
	}
}

func TestBuildStatusPayload(t *testing.T) {
	var got statusPayload
	if err := json.Unmarshal(buildStatusPayload("offline", "relay-1", "graceful_shutdown"), &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Status != "offline" || got.ClientID != "relay-1" || got.Reason != "graceful_shutdown" {
		t.Errorf("payload = %+v", got)
	}
	if got.Timestamp == "" {
		t.Error("payload missing timestamp")
	}
}

func TestTopics(t *testing.T) {
	got := Topics{}.Consumed()
	want := []string{"devdata-socket", "trialCompleted", "fileTransfered"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Consumed() = %v, want %v", got, want)
	}
	if got := (Topics{}).RelayStatus(); got != "masterbox/relay/status" {
		t.Errorf("RelayStatus() = %q", got)
	}
}

// =============================================================================
// Validation without a broker
// =============================================================================

func TestSubscribeValidation(t *testing.T) {
	c := newClient(testConfig())
	noop := func(string, []byte) error { return nil }

	tests := []struct {
		name    string
		topic   string
		qos     byte
		handler MessageHandler
		wantErr error
	}{
		{"empty topic", "", 0, noop, ErrInvalidTopic},
		{"invalid qos", "devdata-socket", 3, noop, ErrInvalidQoS},
		{"nil handler", "devdata-socket", 0, nil, ErrSubscribeFailed},
		{"not connected", "devdata-socket", 0, noop, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Subscribe(tt.topic, tt.qos, tt.handler)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", c.SubscriptionCount())
	}
	if c.HasSubscription("devdata-socket") {
		t.Error("HasSubscription() = true for rejected subscription")
	}
}

func TestPublishValidation(t *testing.T) {
	c := newClient(testConfig())

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", nil, 0, ErrInvalidTopic},
		{"invalid qos", "t", nil, 5, ErrInvalidQoS},
		{"too large", "t", make([]byte, maxPayloadSize+1), 0, ErrPublishFailed},
		{"not connected", "t", []byte("x"), 0, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestHealthCheck(t *testing.T) {
	c := newClient(testConfig())

	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestPublishStatus_RequiresConnection(t *testing.T) {
	c := newClient(testConfig())

	if err := c.publishStatus("online", ""); !errors.Is(err, ErrNotConnected) {
		t.Errorf("publishStatus() error = %v, want ErrNotConnected", err)
	}
}

func TestIsConnected_InitialState(t *testing.T) {
	if newClient(testConfig()).IsConnected() {
		t.Error("IsConnected() = true before Connect")
	}
	var nilClient *Client
	if nilClient.IsConnected() {
		t.Error("IsConnected() = true on nil client")
	}
}

func TestCloseNil(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil inner client error = %v", err)
	}
}

func TestQoS(t *testing.T) {
	if got := newClient(testConfig()).QoS(); got != 1 {
		t.Errorf("QoS() = %d, want 1", got)
	}
}

// =============================================================================
// Handler wrapping
// =============================================================================

func TestWrapHandler_ErrorLogged(t *testing.T) {
	c := newClient(testConfig())
	logger := &mockLogger{}
	c.SetLogger(logger)

	var gotTopic string
	var gotPayload []byte
	wrapped := c.wrapHandler(func(topic string, payload []byte) error {
		gotTopic, gotPayload = topic, payload
		return errors.New("bad payload")
	})
	wrapped(nil, &fakeMessage{topic: "devdata-socket", payload: []byte("[]")})

	if gotTopic != "devdata-socket" || string(gotPayload) != "[]" {
		t.Errorf("handler got %q %q", gotTopic, gotPayload)
	}
	if len(logger.warns) != 1 {
		t.Errorf("warns = %v, want one entry", logger.warns)
	}
}

func TestWrapHandler_PanicRecovered(t *testing.T) {
	c := newClient(testConfig())
	logger := &mockLogger{}
	c.SetLogger(logger)

	wrapped := c.wrapHandler(func(string, []byte) error {
		panic("boom")
	})
	wrapped(nil, &fakeMessage{topic: "trialCompleted"})

	if len(logger.errors) != 1 || logger.errors[0] != "MQTT handler panic recovered" {
		t.Errorf("errors = %v, want panic entry", logger.errors)
	}
}

func TestWrapHandler_NoLogger(t *testing.T) {
	c := newClient(testConfig())
	wrapped := c.wrapHandler(func(string, []byte) error {
		panic("boom")
	})
	// Must not propagate the panic.
	wrapped(nil, &fakeMessage{topic: "fileTransfered"})
}

func TestCallbacks(t *testing.T) {
	c := newClient(testConfig())
	logger := &mockLogger{}
	c.SetLogger(logger)

	var lost error
	c.SetOnDisconnect(func(err error) { lost = err })
	c.handleDisconnect(errors.New("eof"))

	if lost == nil || lost.Error() != "eof" {
		t.Errorf("onDisconnect got %v, want eof", lost)
	}
	if len(logger.warns) != 1 {
		t.Errorf("warns = %v, want connection lost entry", logger.warns)
	}

	c.SetLogger(nil)
	if c.getLogger() != nil {
		t.Error("getLogger() should be nil after SetLogger(nil)")
	}
}
