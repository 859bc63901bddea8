package executor

import (
	"errors"
	"fmt"
)

// NonRetryableError marks execution failures that must not be retried by the dispatcher.
type NonRetryableError struct {
	msg string
}

func (e *NonRetryableError) Error() string {
	return e.msg
}

// NonRetryable builds a NonRetryableError.
func NonRetryable(format string, args ...any) error {
	return &NonRetryableError{msg: fmt.Sprintf(format, args...)}
}

// IsNonRetryable reports whether the provided error originated from a non-retryable failure.
func IsNonRetryable(err error) bool {
	if err == nil {
		return false
	}

	var target *NonRetryableError
	return errors.As(err, &target)
}

// TransientError marks an infrastructure failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is a retryable infrastructure failure.
// Non-retryable markers win over transient ones.
func IsTransient(err error) bool {
	if err == nil || IsNonRetryable(err) {
		return false
	}
	var target *TransientError
	return errors.As(err, &target)
}
