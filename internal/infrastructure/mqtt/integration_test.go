//go:build integration

package mqtt

import (
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/nerrad567/masterbox-relay/internal/infrastructure/config"
)

// Integration tests against a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func integrationConfig(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: clientID,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func TestIntegration_Connect(t *testing.T) {
	client, err := Connect(integrationConfig("relay-int-connect"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
}

func TestIntegration_ConnectRefused(t *testing.T) {
	cfg := integrationConfig("relay-int-refused")
	cfg.Broker.Port = 19999

	if _, err := Connect(cfg); err == nil {
		t.Fatal("Connect() expected error for unreachable broker")
	}
}

func TestIntegration_SubscriptionTracking(t *testing.T) {
	client, err := Connect(integrationConfig("relay-int-sub-track"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	handler := func(string, []byte) error { return nil }
	for _, topic := range (Topics{}).Consumed() {
		if err := client.Subscribe(topic, client.QoS(), handler); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", topic, err)
		}
	}

	if client.SubscriptionCount() != 3 {
		t.Errorf("SubscriptionCount() = %d, want 3", client.SubscriptionCount())
	}
	if !client.HasSubscription(TopicTrialCompleted) {
		t.Error("HasSubscription(trialCompleted) = false")
	}
}

// TestIntegration_TelemetryRoundtrip publishes a telemetry batch and checks
// the subscriber sees the payload verbatim.
func TestIntegration_TelemetryRoundtrip(t *testing.T) {
	pub, err := Connect(integrationConfig("relay-int-pub"))
	if err != nil {
		t.Fatalf("Connect() publisher error = %v", err)
	}
	defer pub.Close()

	sub, err := Connect(integrationConfig("relay-int-sub"))
	if err != nil {
		t.Fatalf("Connect() subscriber error = %v", err)
	}
	defer sub.Close()

	expected := `[{"trialId":"t1","deviceId":"d1","subjectId":"s1","v":1}]`
	received := make(chan string, 1)
	var once sync.Once

	err = sub.Subscribe(TopicDeviceData, 1, func(_ string, p []byte) error {
		once.Do(func() { received <- string(p) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if err := pub.Publish(TopicDeviceData, []byte(expected), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-received:
		if msg != expected {
			t.Errorf("Received = %q, want %q", msg, expected)
		}
	case <-time.After(5 * time.Second):
		t.Error("Timeout waiting for message")
	}
}

// TestIntegration_Presence checks the retained status the relay leaves on
// the bus when it connects and when it shuts down cleanly.
func TestIntegration_Presence(t *testing.T) {
	relay, err := Connect(integrationConfig("relay-int-presence"))
	if err != nil {
		t.Fatalf("Connect() relay error = %v", err)
	}

	watcher, err := Connect(integrationConfig("relay-int-watcher"))
	if err != nil {
		relay.Close()
		t.Fatalf("Connect() watcher error = %v", err)
	}
	defer watcher.Close()

	statuses := make(chan statusPayload, 16)
	err = watcher.Subscribe(Topics{}.RelayStatus(), 1, func(_ string, p []byte) error {
		var sp statusPayload
		if err := json.Unmarshal(p, &sp); err != nil {
			return err
		}
		if sp.ClientID == "relay-int-presence" {
			statuses <- sp
		}
		return nil
	})
	if err != nil {
		relay.Close()
		t.Fatalf("Subscribe() error = %v", err)
	}

	// A retained status from an earlier run may arrive first.
	await := func(status, reason string) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case sp := <-statuses:
				if sp.Status == status && sp.Reason == reason {
					return
				}
			case <-deadline:
				t.Fatalf("Timeout waiting for %s presence", status)
			}
		}
	}

	await("online", "")
	relay.Close()
	await("offline", "graceful_shutdown")
}
