package relay

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/nerrad567/masterbox-relay/internal/subscription"
)

// Event names shared by local peers and the cloud.
const (
	EventDeviceData         = "deviceData"
	EventTrialCompleted     = "trialCompleted"
	EventFileTransferred    = "fileTransfered"
	EventDeviceStateUpdated = "deviceStateUpdated"
	EventSlaveConnect       = "slave-connect"
	EventSlaveDisconnect    = "slave-disconnect"
)

// kindTelemetry labels per-key telemetry broadcasts in metrics.
const kindTelemetry = "telemetry"

// deviceDataMessage is emitted to the cloud once per subscriber.
type deviceDataMessage struct {
	UserID    string          `json:"userId"`
	TrialID   subscription.ID `json:"trialId"`
	DeviceID  subscription.ID `json:"deviceId"`
	SubjectID subscription.ID `json:"subjectId"`
	Data      json.RawMessage `json:"data"`
}

// trialCompletedMessage is emitted to the cloud once per subscriber.
type trialCompletedMessage struct {
	UserID string          `json:"userId"`
	Data   json.RawMessage `json:"data"`
}

// slavePresence announces a slave box joining or leaving.
type slavePresence struct {
	MACAddress string `json:"macAddress,omitempty"`
}

// deviceStateFlags reads the local re-broadcast flag from a deviceStateUpdated payload.
type deviceStateFlags struct {
	EmitOnIO *bool `json:"emitOnIO"`
}

// unmarshal decodes b into v, tagging failures as malformed.
func unmarshal(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return nil
}

// withEmitOnIOFalse returns payload with emitOnIO set to false. The payload
// must be a JSON object.
func withEmitOnIOFalse(payload []byte) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: null device state", ErrMalformedPayload)
	}
	fields["emitOnIO"] = json.RawMessage("false")
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// clonePayload copies b as raw JSON so it marshals verbatim rather than as
// a base64 string.
func clonePayload(b []byte) json.RawMessage {
	return append(json.RawMessage(nil), b...)
}
