package change

import (
	"errors"
	"fmt"
)

// ErrMalformedEvent is matched by every normalization failure.
// Malformed events are dropped and never retried.
var ErrMalformedEvent = errors.New("malformed event")

// MalformedEventError names the field that made an event unusable.
type MalformedEventError struct {
	Field  string
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event: %s: %s", e.Field, e.Reason)
}

func (e *MalformedEventError) Is(target error) bool {
	return target == ErrMalformedEvent
}

func malformed(field, format string, args ...any) error {
	return &MalformedEventError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
