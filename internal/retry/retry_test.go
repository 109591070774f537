package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/your-org/linetrace/pkg/linetrace"
)

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	err := Execute(context.Background(), linetrace.RetryPolicy{MaxAttempts: 3}, func(context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestExecuteStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	permanent := errors.New("bad request")
	err := Execute(context.Background(), linetrace.RetryPolicy{MaxAttempts: 5}, func(context.Context) error {
		attempts++
		return NonRetryable(permanent)
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected wrapped permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func TestCircuitBreakerOpensAndHalfOpens(t *testing.T) {
	cb := NewCircuitBreaker()
	policy := linetrace.CircuitBreakerPolicy{FailureThreshold: 2, ResetTimeout: time.Second}
	now := time.Now()

	if cb.RecordFailure("a.py::f", policy, now) {
		t.Fatal("breaker opened after a single failure")
	}
	if !cb.RecordFailure("a.py::f", policy, now) {
		t.Fatal("expected breaker to open at threshold")
	}
	if cb.Allow("a.py::f", policy, now.Add(500*time.Millisecond)) {
		t.Fatal("expected open breaker to refuse")
	}
	if !cb.Allow("a.py::f", policy, now.Add(2*time.Second)) {
		t.Fatal("expected half-open breaker to allow a trial")
	}
	if !cb.Allow("b.py::g", policy, now) {
		t.Fatal("unrelated entry must not be affected")
	}
}

func TestCircuitBreakerDisabledByDefault(t *testing.T) {
	cb := NewCircuitBreaker()
	for i := 0; i < 10; i++ {
		cb.RecordFailure("a.py::f", linetrace.CircuitBreakerPolicy{}, time.Now())
	}
	if !cb.Allow("a.py::f", linetrace.CircuitBreakerPolicy{}, time.Now()) {
		t.Fatal("zero threshold must never open")
	}
}
