package journal

import "errors"

// ErrMissingEventType is returned when an entry has no event type.
var ErrMissingEventType = errors.New("journal: event type is required")
