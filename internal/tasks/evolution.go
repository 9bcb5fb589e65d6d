package tasks

import (
	"time"
)

// EvolutionPriority keeps self-improvement work behind all owner work.
const EvolutionPriority = -1

// evolutionKey dedups the probe: while one evolution task is pending or
// running, Enqueue drops the next.
const evolutionKey = "evolution"

// evolutionPrompt frames the recurring self-improvement task.
const evolutionPrompt = "Review your recent narration log and your own source tree. " +
	"Pick ONE small, concrete improvement (a bug fix, a robustness gap, a missing test, " +
	"a prompt refinement) and implement it on the dev branch with a clear commit message. " +
	"Prefer changes you can verify before committing. If nothing is worth changing, say so and stop."

// EvolutionProbe enqueues one self-improvement task per interval while
// evolution mode is enabled. The first task comes one full interval after
// construction, so a restart loop never stacks them.
type EvolutionProbe struct {
	queue    *Queue
	interval time.Duration
	last     time.Time

	// now is swapped in tests.
	now func() time.Time
}

// NewEvolutionProbe creates a probe over queue firing at most once per
// interval.
func NewEvolutionProbe(queue *Queue, interval time.Duration) *EvolutionProbe {
	if interval <= 0 {
		interval = time.Hour
	}
	return &EvolutionProbe{
		queue:    queue,
		interval: interval,
		last:     time.Now(),
		now:      time.Now,
	}
}

// Tick enqueues an evolution task when the mode is enabled and the
// interval has elapsed since the last one. Returns the enqueued task,
// or nil when nothing was due.
func (p *EvolutionProbe) Tick(enabled bool) *Task {
	if !enabled {
		return nil
	}
	now := p.now()
	if now.Sub(p.last) < p.interval {
		return nil
	}
	t := New(TypeEvolution, evolutionPrompt, 0, EvolutionPriority)
	t.IdempotencyKey = evolutionKey
	if !p.queue.Enqueue(t) {
		// A previous evolution task is still live; try again next interval.
		p.last = now
		return nil
	}
	p.last = now
	return t
}
