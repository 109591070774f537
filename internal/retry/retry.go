package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/your-org/linetrace/pkg/linetrace"
)

// Execute runs fn with a simple configurable retry policy. Errors wrapped
// with NonRetryable end the loop immediately.
func Execute(ctx context.Context, policy linetrace.RetryPolicy, fn func(context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if i == attempts || !IsRetryable(err) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(BackoffDuration(policy.Backoff, i)):
		}
	}
	return lastErr
}

// BackoffDuration returns the wait before attempt+1.
func BackoffDuration(strategy linetrace.BackoffStrategy, attempt int) time.Duration {
	base := 100 * time.Millisecond
	switch strategy {
	case linetrace.BackoffExponential:
		return base * time.Duration(1<<uint(attempt-1))
	case linetrace.BackoffExponentialJitter:
		exp := base * time.Duration(1<<uint(attempt-1))
		jitter := time.Duration(rand.Int63n(int64(base)))
		return exp + jitter
	default:
		return base * time.Duration(attempt)
	}
}
