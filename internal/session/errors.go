package session

import (
	"errors"
	"fmt"

	"github.com/your-org/linetrace/pkg/linetrace"
)

var (
	ErrSpawnFailure    = errors.New("session: tracer spawn failed")
	ErrProtocolTimeout = errors.New("session: timed out waiting for tracer event")
	ErrAbnormalExit    = errors.New("session: tracer exited abnormally")
	ErrTracedError     = errors.New("session: traced program raised an error")
	ErrBusy            = errors.New("session: an advance is already in flight")
	ErrStopped         = errors.New("session: stopped")

	errExitedIdle = errors.New("session: tracer exited cleanly between requests")
)

// ExitError reports a tracer that exited while a request was outstanding.
type ExitError struct {
	Code    int
	Message string
	// Event is the last error event the tracer emitted, if any.
	Event *linetrace.ErrorEvent
}

func (e *ExitError) Error() string {
	return "session: " + e.Message
}

func (e *ExitError) Unwrap() error {
	return ErrAbnormalExit
}

// TracedError carries an error event raised by the traced program itself.
type TracedError struct {
	Event *linetrace.ErrorEvent
}

func (e *TracedError) Error() string {
	if e.Event == nil {
		return ErrTracedError.Error()
	}
	if e.Event.Line != nil {
		return fmt.Sprintf("session: traced error at line %d: %s", *e.Event.Line, e.Event.Error)
	}
	return "session: traced error: " + e.Event.Error
}

func (e *TracedError) Unwrap() error {
	return ErrTracedError
}
