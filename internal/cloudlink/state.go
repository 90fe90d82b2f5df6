package cloudlink

import "time"

// State is the Cloud Link lifecycle state.
type State string

const (
	StateUnbootstrapped       State = "unbootstrapped"
	StateConnecting           State = "connecting"
	StateConnected            State = "connected"
	StateDisconnectedRetrying State = "disconnected_retrying"
)

func (s State) String() string { return string(s) }

// Status is a point-in-time view of the link, served by the API.
type Status struct {
	State          State      `json:"state"`
	MACAddress     string     `json:"macAddress"`
	AssignedToUser string     `json:"assignedToUser,omitempty"`
	ConnectedSince *time.Time `json:"connectedSince,omitempty"`
}
