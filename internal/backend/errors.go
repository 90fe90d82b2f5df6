package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAssigned is returned by FetchAssignment when no user owns this box.
	ErrNotAssigned = errors.New("backend: masterbox not assigned to a user")

	// ErrUnavailable is returned while the circuit breaker is open.
	ErrUnavailable = errors.New("backend: unavailable")

	// ErrRequestFailed wraps transport failures.
	ErrRequestFailed = errors.New("backend: request failed")

	// ErrInvalidResponse is returned when a response body cannot be decoded.
	ErrInvalidResponse = errors.New("backend: invalid response")
)

// ResponseError is returned for non-2xx replies. Body holds the raw response.
type ResponseError struct {
	Status int
	Body   []byte
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("backend: status %d", e.Status)
}
