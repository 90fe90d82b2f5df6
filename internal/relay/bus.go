package relay

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/nerrad567/masterbox-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/masterbox-relay/internal/subscription"
)

// HandleBusMessage accepts one MQTT message. Its signature matches
// mqtt.MessageHandler so it can be subscribed directly.
//
// Only the topic is checked here; payload decoding happens on the engine
// goroutine, where a malformed payload is logged and dropped.
func (e *Engine) HandleBusMessage(topic string, payload []byte) error {
	var handle func([]byte)
	switch topic {
	case mqtt.TopicDeviceData:
		handle = e.handleTelemetry
	case mqtt.TopicTrialCompleted:
		handle = e.handleTrialCompleted
	case mqtt.TopicFileTransferred:
		handle = e.handleFileTransferred
	default:
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	e.metrics.BusMessage(topic)
	// paho may reuse the buffer after the handler returns.
	data := clonePayload(payload)
	return e.enqueue(func() { handle(data) })
}

// handleTelemetry relays a batch of telemetry records. The first record
// names the stream for the whole batch.
func (e *Engine) handleTelemetry(payload []byte) {
	var records []json.RawMessage
	if err := unmarshal(payload, &records); err != nil {
		e.malformed(mqtt.TopicDeviceData, err)
		return
	}
	if len(records) == 0 {
		return
	}

	var ref subscription.Ref
	if err := unmarshal(records[0], &ref); err != nil {
		e.malformed(mqtt.TopicDeviceData, err)
		return
	}
	if err := ref.Validate(); err != nil {
		e.malformed(mqtt.TopicDeviceData, err)
		return
	}

	key := ref.Key()
	e.broadcast(kindTelemetry, key.String(), json.RawMessage(payload))

	users := e.registry.Subscribers(key)
	e.record(mqtt.TopicDeviceData, len(users), len(payload))
	if len(users) == 0 {
		return
	}

	if e.timers.Enabled() {
		e.timers.Buffer(ref, records)
		e.metrics.PendingTimers(e.timers.Len())
		return
	}
	e.emitDeviceData(ref, users, json.RawMessage(payload))
}

// handleTrialCompleted ends a stream: the coalescing timer is discarded,
// every subscriber is told once, and the subscription set is removed.
func (e *Engine) handleTrialCompleted(payload []byte) {
	var ref subscription.Ref
	if err := unmarshal(payload, &ref); err != nil {
		e.malformed(mqtt.TopicTrialCompleted, err)
		return
	}
	if err := ref.Validate(); err != nil {
		e.malformed(mqtt.TopicTrialCompleted, err)
		return
	}

	key := ref.Key()
	if dropped, ok := e.timers.Cancel(key); ok {
		e.logger.Debug("pending telemetry discarded", "key", key, "records", dropped)
		e.metrics.PendingTimers(e.timers.Len())
	}

	data := json.RawMessage(payload)
	e.broadcast(EventTrialCompleted, EventTrialCompleted, data)

	users := e.registry.Subscribers(key)
	for _, user := range users {
		e.cloud.Emit(EventTrialCompleted, trialCompletedMessage{UserID: user, Data: data})
	}
	e.registry.Clear(key)
	e.metrics.SubscriptionKeys(e.registry.Len())
	e.record(mqtt.TopicTrialCompleted, len(users), len(payload))

	e.logger.Info("trial completed", "key", key, "subscribers", len(users))
}

// handleFileTransferred relays a file transfer notice to peers and cloud
// regardless of subscriptions.
func (e *Engine) handleFileTransferred(payload []byte) {
	if !json.Valid(payload) {
		e.malformed(mqtt.TopicFileTransferred, ErrMalformedPayload)
		return
	}
	data := json.RawMessage(payload)
	e.broadcast(EventFileTransferred, EventFileTransferred, data)
	e.cloud.Emit(EventFileTransferred, data)
	e.record(mqtt.TopicFileTransferred, 1, len(payload))
}

// emitDeviceData sends one deviceData message per user.
func (e *Engine) emitDeviceData(ref subscription.Ref, users []string, data json.RawMessage) {
	for _, user := range users {
		e.cloud.Emit(EventDeviceData, deviceDataMessage{
			UserID:    user,
			TrialID:   ref.TrialID,
			DeviceID:  ref.DeviceID,
			SubjectID: ref.SubjectID,
			Data:      data,
		})
	}
}

// flushPending is called by PendingTimers on the engine goroutine. The
// subscriber set is read at flush time, not at buffering time.
func (e *Engine) flushPending(ref subscription.Ref, records []json.RawMessage) {
	users := e.registry.Subscribers(ref.Key())
	if len(users) == 0 {
		return
	}
	data, err := json.Marshal(records)
	if err != nil {
		e.logger.Error("encoding buffered telemetry", "key", ref.Key(), "error", err)
		return
	}
	e.emitDeviceData(ref, users, data)
}

func (e *Engine) malformed(topic string, err error) {
	e.logger.Warn("dropping malformed bus message", "topic", topic, "error", err)
	e.metrics.BusMalformed(topic)
}

func (e *Engine) record(topic string, recipients, size int) {
	if e.recorder != nil {
		e.recorder.WriteRelayEvent(topic, recipients, size)
	}
}
