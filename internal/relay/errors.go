package relay

import "errors"

var (
	// ErrStopped is returned when an event is offered after Run has returned.
	ErrStopped = errors.New("relay: engine stopped")

	// ErrUnknownTopic is returned for bus messages on a topic the engine does not handle.
	ErrUnknownTopic = errors.New("relay: unknown bus topic")

	// ErrMalformedPayload wraps decode failures of inbound payloads.
	ErrMalformedPayload = errors.New("relay: malformed payload")
)
