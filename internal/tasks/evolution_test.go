package tasks

import (
	"testing"
	"time"
)

func newTestProbe(t *testing.T, interval time.Duration) (*EvolutionProbe, *Queue, *time.Time) {
	t.Helper()
	q := newTestQueue(t)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	p := NewEvolutionProbe(q, interval)
	p.last = now
	p.now = func() time.Time { return now }
	return p, q, &now
}

func TestEvolutionProbeDisabled(t *testing.T) {
	p, q, now := newTestProbe(t, time.Hour)
	*now = now.Add(2 * time.Hour)

	if p.Tick(false) != nil {
		t.Error("probe fired while disabled")
	}
	if q.PendingCount() != 0 {
		t.Error("disabled probe enqueued a task")
	}
}

func TestEvolutionProbeWaitsFullInterval(t *testing.T) {
	p, q, now := newTestProbe(t, time.Hour)

	*now = now.Add(30 * time.Minute)
	if p.Tick(true) != nil {
		t.Error("probe fired before the interval elapsed")
	}

	*now = now.Add(31 * time.Minute)
	got := p.Tick(true)
	if got == nil {
		t.Fatal("probe did not fire after the interval")
	}
	if got.Type != TypeEvolution || got.Priority != EvolutionPriority {
		t.Errorf("task = type %q priority %d", got.Type, got.Priority)
	}
	if got.IdempotencyKey != evolutionKey {
		t.Errorf("idempotency key = %q", got.IdempotencyKey)
	}
	if q.PendingCount() != 1 {
		t.Errorf("pending = %d, want 1", q.PendingCount())
	}

	// Interval resets; an immediate second tick stays quiet.
	if p.Tick(true) != nil {
		t.Error("probe fired twice in one interval")
	}
}

func TestEvolutionProbeDedupsLiveTask(t *testing.T) {
	p, q, now := newTestProbe(t, time.Hour)

	*now = now.Add(2 * time.Hour)
	first := p.Tick(true)
	if first == nil {
		t.Fatal("first tick did not fire")
	}

	// The first task is still pending; the next interval's tick is
	// absorbed by the idempotency key.
	*now = now.Add(2 * time.Hour)
	if p.Tick(true) != nil {
		t.Error("probe stacked a second evolution task")
	}
	if q.PendingCount() != 1 {
		t.Errorf("pending = %d, want 1", q.PendingCount())
	}

	// Once the first finishes, the next interval fires again.
	q.Pop(1)
	q.MarkTerminal(first.ID, StatusDone, "improved")
	*now = now.Add(2 * time.Hour)
	if p.Tick(true) == nil {
		t.Error("probe did not resume after the previous task finished")
	}
}
