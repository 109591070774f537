package session

import (
	"github.com/rs/zerolog"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/your-org/linetrace/internal/metrics"
	"github.com/your-org/linetrace/internal/retry"
	"github.com/your-org/linetrace/pkg/linetrace"
)

// BackgroundFunc receives events the tracer emitted while no request was
// waiting for them.
type BackgroundFunc func(entryID string, ev linetrace.Event)

type Option func(*Session)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

func WithMetrics(rec metrics.Recorder) Option {
	return func(s *Session) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

func WithTracer(tracer oteltrace.Tracer) Option {
	return func(s *Session) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

func WithBackground(fn BackgroundFunc) Option {
	return func(s *Session) { s.background = fn }
}

// WithCircuitBreaker shares breaker state across sessions.
func WithCircuitBreaker(cb *retry.CircuitBreaker) Option {
	return func(s *Session) {
		if cb != nil {
			s.breaker = cb
		}
	}
}
