package orchestrator

import (
	"errors"

	"github.com/your-org/linetrace/internal/resolver"
	"github.com/your-org/linetrace/internal/retry"
	"github.com/your-org/linetrace/internal/session"
)

// ErrorKind classifies a failed trace request for notifications.
type ErrorKind string

const (
	KindSpawnFailure       ErrorKind = "spawn_failure"
	KindProtocolTimeout    ErrorKind = "protocol_timeout"
	KindAbnormalExit       ErrorKind = "abnormal_exit"
	KindTracedError        ErrorKind = "traced_error"
	KindCircularDependency ErrorKind = "circular_dependency"
	KindMissingArguments   ErrorKind = "missing_arguments"
	KindBusy               ErrorKind = "busy"
	KindStopped            ErrorKind = "stopped"
	KindInternal           ErrorKind = "internal"
)

var ErrInvalidRequest = errors.New("orchestrator: invalid trace request")

// Classify maps err onto an ErrorKind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrSpawnFailure), errors.Is(err, retry.ErrCircuitOpen):
		return KindSpawnFailure
	case errors.Is(err, session.ErrProtocolTimeout):
		return KindProtocolTimeout
	case errors.Is(err, session.ErrAbnormalExit):
		return KindAbnormalExit
	case errors.Is(err, session.ErrTracedError):
		return KindTracedError
	case errors.Is(err, resolver.ErrCircularDependency):
		return KindCircularDependency
	case errors.Is(err, resolver.ErrMissingArguments):
		return KindMissingArguments
	case errors.Is(err, session.ErrBusy):
		return KindBusy
	case errors.Is(err, session.ErrStopped):
		return KindStopped
	default:
		return KindInternal
	}
}
