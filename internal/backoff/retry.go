package backoff

import (
	"context"
	"errors"
	"time"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts have been used.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// SleepWithContext sleeps for the duration, respecting context cancellation.
// Returns nil if the sleep completed, or ctx.Err() if the context was cancelled.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryIf executes fn up to maxAttempts times, sleeping per the policy
// between attempts. The retryable predicate decides whether a failure is
// worth another attempt; a non-retryable error is returned immediately.
// After the final attempt the last error is returned joined with
// ErrMaxAttemptsExhausted.
func RetryIf[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	retryable func(error) bool,
	fn func(attempt int) (T, error),
) (T, error) {
	var zero T
	var lastErr error

	// A zero policy would retry without any pause.
	if policy == (Policy{}) {
		policy = DefaultPolicy()
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}
		if retryable != nil && !retryable(err) {
			return zero, err
		}
		lastErr = err

		if attempt < maxAttempts {
			if err := SleepWithContext(ctx, Compute(policy, attempt)); err != nil {
				return zero, err
			}
		}
	}

	return zero, errors.Join(ErrMaxAttemptsExhausted, lastErr)
}
