package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestComputeWithRand(t *testing.T) {
	policy := Policy{InitialMs: 100, MaxMs: 30000, Factor: 2, Jitter: 0.1}

	tests := []struct {
		name    string
		attempt int
		random  float64
		want    time.Duration
	}{
		{"first attempt no jitter", 1, 0, 100 * time.Millisecond},
		{"second attempt no jitter", 2, 0, 200 * time.Millisecond},
		{"fifth attempt no jitter", 5, 0, 1600 * time.Millisecond},
		{"first attempt full jitter", 1, 1.0, 110 * time.Millisecond},
		{"attempt zero treated as first", 0, 0, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeWithRand(policy, tt.attempt, tt.random); got != tt.want {
				t.Errorf("ComputeWithRand(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestComputeCapped(t *testing.T) {
	policy := LLMPolicy()
	// 2s * 2^9 far exceeds the 30s cap.
	if got := ComputeWithRand(policy, 10, 0); got != 30*time.Second {
		t.Errorf("ComputeWithRand(attempt=10) = %v, want 30s cap", got)
	}
}

func TestRetryIf_SucceedsAfterRetries(t *testing.T) {
	policy := Policy{InitialMs: 1, MaxMs: 5, Factor: 2, Jitter: 0}

	calls := 0
	got, err := RetryIf(context.Background(), policy, 3, func(error) bool { return true },
		func(attempt int) (string, error) {
			calls++
			if attempt < 3 {
				return "", errors.New("transient")
			}
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("RetryIf returned error: %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Errorf("got %q after %d calls, want ok after 3", got, calls)
	}
}

func TestRetryIf_StopsOnPermanent(t *testing.T) {
	policy := Policy{InitialMs: 1, MaxMs: 5, Factor: 2, Jitter: 0}
	permanent := errors.New("permanent")

	calls := 0
	_, err := RetryIf(context.Background(), policy, 5,
		func(err error) bool { return !errors.Is(err, permanent) },
		func(int) (int, error) {
			calls++
			return 0, permanent
		})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent)", calls)
	}
}

func TestRetryIf_Exhausted(t *testing.T) {
	policy := Policy{InitialMs: 1, MaxMs: 2, Factor: 1, Jitter: 0}

	calls := 0
	_, err := RetryIf(context.Background(), policy, 3, func(error) bool { return true },
		func(int) (int, error) {
			calls++
			return 0, errors.New("always fails")
		})
	if !errors.Is(err, ErrMaxAttemptsExhausted) {
		t.Fatalf("err = %v, want ErrMaxAttemptsExhausted", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryIf_ZeroPolicyStillPauses(t *testing.T) {
	start := time.Now()
	_, err := RetryIf(context.Background(), Policy{}, 2, func(error) bool { return true },
		func(int) (int, error) { return 0, errors.New("transient") })
	if !errors.Is(err, ErrMaxAttemptsExhausted) {
		t.Fatalf("err = %v, want ErrMaxAttemptsExhausted", err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("elapsed = %v, want a default pause between attempts", elapsed)
	}
}

func TestRetryIf_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RetryIf(ctx, DefaultPolicy(), 3, nil, func(int) (int, error) {
		t.Fatal("fn should not run with cancelled context")
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestSleepWithContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := SleepWithContext(ctx, 10*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("sleep did not abort promptly on cancellation")
	}
}
