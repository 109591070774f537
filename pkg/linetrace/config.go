package linetrace

import "time"

// BackoffStrategy defines retry wait behavior.
type BackoffStrategy string

const (
	BackoffLinear            BackoffStrategy = "linear"
	BackoffExponential       BackoffStrategy = "exponential"
	BackoffExponentialJitter BackoffStrategy = "exponential_jitter"
)

// RetryPolicy configures retries of collaborator calls.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     BackoffStrategy
}

// CircuitBreakerPolicy bounds how often one entry may crash its tracer
// before spawns for it are refused for a while.
type CircuitBreakerPolicy struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// RuntimeConfig is top-level tracer runtime configuration.
type RuntimeConfig struct {
	Interpreter     string
	InterpreterArgs []string
	Script          string
	// Env is appended to the host environment of every tracer child.
	Env []string

	// ProtocolTimeout bounds how long one advance waits for an event. It is
	// the authoritative timeout; outer busy locks are derived from it.
	ProtocolTimeout time.Duration
	KillGrace       time.Duration
	BusyMargin      time.Duration
	EventBuffer     int

	RetryPolicy    RetryPolicy
	CircuitBreaker CircuitBreakerPolicy
}

const (
	DefaultProtocolTimeout = 30 * time.Second
	DefaultKillGrace       = 100 * time.Millisecond
	DefaultBusyMargin      = 5 * time.Second
	DefaultEventBuffer     = 64
)

// WithDefaults fills zero fields with safe defaults.
func (c RuntimeConfig) WithDefaults() RuntimeConfig {
	if c.Interpreter == "" {
		c.Interpreter = "python3"
	}
	if c.InterpreterArgs == nil {
		c.InterpreterArgs = []string{"-u"}
	}
	if c.ProtocolTimeout <= 0 {
		c.ProtocolTimeout = DefaultProtocolTimeout
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	if c.BusyMargin <= 0 {
		c.BusyMargin = DefaultBusyMargin
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.RetryPolicy.MaxAttempts <= 0 {
		c.RetryPolicy.MaxAttempts = 1
	}
	if c.RetryPolicy.Backoff == "" {
		c.RetryPolicy.Backoff = BackoffLinear
	}
	return c
}

// BusyTimeout is how long a caller may hold or wait for a session's busy
// lock. It always exceeds ProtocolTimeout so the protocol read fails first
// and frees the session before the caller gives up.
func (c RuntimeConfig) BusyTimeout() time.Duration {
	c = c.WithDefaults()
	return c.ProtocolTimeout + c.BusyMargin
}
