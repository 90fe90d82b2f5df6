package cloudlink

import "errors"

var (
	// ErrNotConnected is returned by Conn implementations after Close.
	ErrNotConnected = errors.New("cloudlink: not connected")

	// ErrInvalidFrame is returned when an inbound frame cannot be decoded.
	ErrInvalidFrame = errors.New("cloudlink: invalid frame")

	// ErrDialFailed wraps transport dial failures.
	ErrDialFailed = errors.New("cloudlink: dial failed")
)
