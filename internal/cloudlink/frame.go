package cloudlink

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Inbound cloud events.
const (
	EventAPIRequest            = "api-request"
	EventSubscribeDeviceData   = "subscribeToDeviceData"
	EventUnsubscribeDeviceData = "unsubscribeToDeviceData"
	EventDeviceStateUpdated    = "deviceStateUpdated"
	EventSlaveDisconnect       = "slave-disconnect"
	EventError                 = "error"
)

// Outbound cloud events owned by the link itself.
const (
	EventAuth        = "auth"
	EventAPIResponse = "api-response"
)

// Frame is one event on the cloud channel.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes data as the frame payload.
func NewFrame(event string, data any) (Frame, error) {
	if data == nil {
		return Frame{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s: %w", event, err)
	}
	return Frame{Event: event, Data: raw}, nil
}

// EncodeFrame returns the wire form of f.
func EncodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame parses one wire message.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("%w: missing event name", ErrInvalidFrame)
	}
	return f, nil
}

// Auth is sent as the first frame after dialing.
type Auth struct {
	Token          string `json:"token"`
	AssignedToUser string `json:"assignedToUser"`
}
