package resolver

import (
	"errors"
	"strings"
)

var (
	ErrCircularDependency = errors.New("resolver: circular dependency")
	ErrMissingArguments   = errors.New("resolver: arguments must be provided manually")
)

// CircularDependencyError reports a call chain that leads back to a function
// already being resolved. Chain ends with the repeated function.
type CircularDependencyError struct {
	Chain []string
}

func (e *CircularDependencyError) Error() string {
	return ErrCircularDependency.Error() + ": " + strings.Join(e.Chain, " -> ")
}

func (e *CircularDependencyError) Unwrap() error {
	return ErrCircularDependency
}

// MissingArgumentsError reports a function with required parameters and no
// call site to derive them from.
type MissingArgumentsError struct {
	FunctionID string
	Params     []string
}

func (e *MissingArgumentsError) Error() string {
	if len(e.Params) == 0 {
		return ErrMissingArguments.Error() + ": " + e.FunctionID
	}
	return ErrMissingArguments.Error() + ": " + e.FunctionID + " needs " + strings.Join(e.Params, ", ")
}

func (e *MissingArgumentsError) Unwrap() error {
	return ErrMissingArguments
}
