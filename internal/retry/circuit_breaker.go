package retry

import (
	"sync"
	"time"

	"github.com/your-org/linetrace/pkg/linetrace"
)

// CircuitBreaker maintains per-entry breaker state for tracer respawns.
type CircuitBreaker struct {
	mu     sync.Mutex
	states map[string]circuitState
}

type circuitState struct {
	consecutiveFailures int
	openUntil           time.Time
}

func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{states: make(map[string]circuitState)}
}

func (cb *CircuitBreaker) Allow(entryID string, policy linetrace.CircuitBreakerPolicy, now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if policy.FailureThreshold <= 0 {
		return true
	}

	s := cb.states[entryID]
	if s.openUntil.IsZero() {
		return true
	}
	if now.Before(s.openUntil) {
		return false
	}

	// Half-open: allow one trial spawn.
	s.openUntil = time.Time{}
	s.consecutiveFailures = 0
	cb.states[entryID] = s
	return true
}

func (cb *CircuitBreaker) RecordSuccess(entryID string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.states, entryID)
}

// RecordFailure counts one abnormal exit and reports whether the breaker
// opened as a result.
func (cb *CircuitBreaker) RecordFailure(entryID string, policy linetrace.CircuitBreakerPolicy, now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if policy.FailureThreshold <= 0 {
		return false
	}
	if policy.ResetTimeout <= 0 {
		policy.ResetTimeout = 60 * time.Second
	}

	s := cb.states[entryID]
	s.consecutiveFailures++
	opened := false
	if s.consecutiveFailures >= policy.FailureThreshold {
		s.openUntil = now.Add(policy.ResetTimeout)
		s.consecutiveFailures = 0
		opened = true
	}
	cb.states[entryID] = s
	return opened
}
