package retry

import (
	"errors"
	"fmt"
)

var ErrCircuitOpen = errors.New("tracer respawn circuit open")

// PermanentError marks an error as not eligible for retries.
type PermanentError struct {
	Cause error
}

func (e PermanentError) Error() string {
	if e.Cause == nil {
		return "permanent error"
	}
	return fmt.Sprintf("permanent error: %v", e.Cause)
}

func (e PermanentError) Unwrap() error {
	return e.Cause
}

// NonRetryable marks an error as not eligible for retries.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return PermanentError{Cause: err}
}

// IsRetryable reports whether Execute may try again after err.
func IsRetryable(err error) bool {
	var p PermanentError
	return err != nil && !errors.As(err, &p)
}
