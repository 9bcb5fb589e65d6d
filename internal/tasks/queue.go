package tasks

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/ouroboros/internal/observability"
)

// resultSummaryRunes caps what the queue keeps of a task's final text; the
// full result already went to the owner and the task_results dir.
const resultSummaryRunes = 200

// Options configures a Queue.
type Options struct {
	// SnapshotPath is the recovery file written after every mutation.
	SnapshotPath string

	// SoftTimeout and HardTimeout bound a running task. Soft injects one
	// nudge; hard force-terminates. Applied from assignment time.
	SoftTimeout time.Duration
	HardTimeout time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Queue holds pending tasks in priority order (higher first, FIFO within
// equal priority) and an id-indexed running set. Every mutation persists a
// snapshot so a crashed supervisor restores its backlog.
type Queue struct {
	mu      sync.Mutex
	pending []*Task
	running map[string]*Task
	byKey   map[string]string

	snapshotPath string
	soft         time.Duration
	hard         time.Duration
	logger       *slog.Logger
	metrics      *observability.Metrics

	// now is swapped in tests.
	now func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue(opts Options) *Queue {
	if opts.SoftTimeout <= 0 {
		opts.SoftTimeout = 10 * time.Minute
	}
	if opts.HardTimeout <= 0 {
		opts.HardTimeout = 30 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		running:      make(map[string]*Task),
		byKey:        make(map[string]string),
		snapshotPath: opts.SnapshotPath,
		soft:         opts.SoftTimeout,
		hard:         opts.HardTimeout,
		logger:       logger,
		metrics:      opts.Metrics,
		now:          time.Now,
	}
}

// Enqueue adds a task to the pending list. A task whose idempotency key
// already belongs to a live (pending or running) task is dropped; Enqueue
// reports whether the task was added.
func (q *Queue) Enqueue(t *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.IdempotencyKey != "" {
		if _, live := q.byKey[t.IdempotencyKey]; live {
			q.logger.Debug("dropping duplicate task",
				"task_id", t.ID, "idempotency_key", t.IdempotencyKey)
			return false
		}
		q.byKey[t.IdempotencyKey] = t.ID
	}

	t.Status = StatusPending
	if t.CreatedAt.IsZero() {
		t.CreatedAt = q.now().UTC()
	}
	q.pending = append(q.pending, t)
	q.sortPendingLocked()
	q.afterMutationLocked()

	q.logger.Info("task enqueued",
		"task_id", t.ID, "type", t.Type, "priority", t.Priority)
	return true
}

// Pop removes the highest-priority pending task, marks it running on
// workerID, and starts its deadlines. Returns nil when nothing is pending.
func (q *Queue) Pop(workerID int) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}
	t := q.pending[0]
	q.pending = q.pending[1:]

	now := q.now().UTC()
	t.Status = StatusRunning
	t.StartedAt = now
	t.SoftDeadline = now.Add(q.soft)
	t.HardDeadline = now.Add(q.hard)
	t.SoftNudged = false
	t.WorkerID = workerID
	q.running[t.ID] = t
	q.afterMutationLocked()

	q.logger.Info("task assigned",
		"task_id", t.ID, "type", t.Type, "worker_id", workerID)
	return t
}

// SetWorker records which worker a just-popped task landed on. The pool
// picks the worker only after the pop, so assignment is two-phase.
func (q *Queue) SetWorker(id string, workerID int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.running[id]
	if !ok || t.WorkerID == workerID {
		return
	}
	t.WorkerID = workerID
	q.afterMutationLocked()
}

// Unassign returns a running task to the head of the pending list with
// fresh deadlines pending. Used when no worker accepted the task after
// all; it does not burn the crash retry.
func (q *Queue) Unassign(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.running[id]
	if !ok {
		return
	}
	delete(q.running, id)
	t.Status = StatusPending
	t.StartedAt = time.Time{}
	t.SoftDeadline = time.Time{}
	t.HardDeadline = time.Time{}
	t.SoftNudged = false
	t.WorkerID = 0
	q.pending = append([]*Task{t}, q.pending...)
	q.afterMutationLocked()
}

// CancelResult reports what Cancel found.
type CancelResult int

const (
	// CancelNotFound means no live task had the id.
	CancelNotFound CancelResult = iota

	// CancelledPending means the task was removed before it ever ran.
	CancelledPending

	// CancelRunning means the task is in flight; the caller must forward
	// the cancellation to its worker, and the terminal mark arrives with
	// the worker's task_done.
	CancelRunning
)

// Cancel removes a pending task or flags a running one.
func (q *Queue) Cancel(id string) CancelResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, t := range q.pending {
		if t.ID != id {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		q.finalizeLocked(t, StatusCancelled, "")
		q.afterMutationLocked()
		return CancelledPending
	}
	if _, ok := q.running[id]; ok {
		return CancelRunning
	}
	return CancelNotFound
}

// MarkTerminal moves a running task to its terminal status and records a
// clipped result summary. Returns the task, or nil if the id is not running.
func (q *Queue) MarkTerminal(id string, status Status, result string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.running[id]
	if !ok {
		return nil
	}
	delete(q.running, id)
	q.finalizeLocked(t, status, result)
	q.afterMutationLocked()

	q.logger.Info("task finished",
		"task_id", t.ID, "type", t.Type, "status", status,
		"elapsed", q.now().Sub(t.StartedAt).Round(time.Second))
	return t
}

// RequeueAfterCrash puts a task whose worker died back at the head of the
// pending list, once. A second crash on the same task marks it failed;
// the return value reports whether the task will run again.
func (q *Queue) RequeueAfterCrash(id string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.running[id]
	if !ok {
		return nil, false
	}
	delete(q.running, id)

	if t.Retried {
		q.finalizeLocked(t, StatusFailed, "worker crashed twice")
		q.afterMutationLocked()
		q.logger.Warn("task failed after second worker crash", "task_id", t.ID)
		return t, false
	}

	t.Retried = true
	t.Status = StatusPending
	t.StartedAt = time.Time{}
	t.SoftDeadline = time.Time{}
	t.HardDeadline = time.Time{}
	t.SoftNudged = false
	t.WorkerID = 0
	q.pending = append([]*Task{t}, q.pending...)
	q.afterMutationLocked()

	q.logger.Warn("task requeued after worker crash", "task_id", t.ID)
	return t, true
}

// TimeoutSweep is one EnforceTimeouts pass: tasks that just crossed their
// soft deadline (nudge once) and tasks past their hard deadline (removed
// here, marked timed_out; the caller kills their workers and reports).
type TimeoutSweep struct {
	Nudged  []*Task
	Expired []*Task
}

// EnforceTimeouts scans running tasks against their deadlines.
func (q *Queue) EnforceTimeouts() TimeoutSweep {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var sweep TimeoutSweep
	for id, t := range q.running {
		if now.After(t.HardDeadline) {
			delete(q.running, id)
			q.finalizeLocked(t, StatusTimedOut, "")
			sweep.Expired = append(sweep.Expired, t)
			continue
		}
		if !t.SoftNudged && now.After(t.SoftDeadline) {
			t.SoftNudged = true
			sweep.Nudged = append(sweep.Nudged, t)
		}
	}
	if len(sweep.Nudged) > 0 || len(sweep.Expired) > 0 {
		q.afterMutationLocked()
	}
	return sweep
}

// PurgeEvolution drops all pending evolution tasks. In-flight ones drain.
func (q *Queue) PurgeEvolution() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.pending[:0]
	purged := 0
	for _, t := range q.pending {
		if t.Type == TypeEvolution {
			q.finalizeLocked(t, StatusCancelled, "")
			purged++
			continue
		}
		kept = append(kept, t)
	}
	q.pending = kept
	if purged > 0 {
		q.afterMutationLocked()
		q.logger.Info("purged pending evolution tasks", "count", purged)
	}
	return purged
}

// Pending returns the pending tasks in assignment order.
func (q *Queue) Pending() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, len(q.pending))
	copy(out, q.pending)
	return out
}

// Running returns the running tasks ordered by start time.
func (q *Queue) Running() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, 0, len(q.running))
	for _, t := range q.running {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// PendingCount returns the pending list length.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// RunningCount returns the number of tasks on workers.
func (q *Queue) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// RunningOnWorker returns the task assigned to workerID, or nil.
func (q *Queue) RunningOnWorker(workerID int) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.running {
		if t.WorkerID == workerID {
			return t
		}
	}
	return nil
}

// RunningChat returns the most recently started running chat task, or nil.
// Owner messages are injected into it instead of spawning a new task.
func (q *Queue) RunningChat() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var best *Task
	for _, t := range q.running {
		if t.Type != TypeChat {
			continue
		}
		if best == nil || t.StartedAt.After(best.StartedAt) {
			best = t
		}
	}
	return best
}

// sortPendingLocked keeps higher priority first; the stable sort preserves
// FIFO within equal priority.
func (q *Queue) sortPendingLocked() {
	sort.SliceStable(q.pending, func(i, j int) bool {
		return q.pending[i].Priority > q.pending[j].Priority
	})
}

// finalizeLocked applies a terminal status, releases the idempotency key,
// and counts the outcome.
func (q *Queue) finalizeLocked(t *Task, status Status, result string) {
	t.Status = status
	if result != "" {
		t.ResultSummary = clipRunes(result, resultSummaryRunes)
	}
	if t.IdempotencyKey != "" && q.byKey[t.IdempotencyKey] == t.ID {
		delete(q.byKey, t.IdempotencyKey)
	}
	if q.metrics != nil {
		q.metrics.TasksTotal.WithLabelValues(string(t.Type), string(status)).Inc()
	}
}

// afterMutationLocked refreshes gauges and persists the snapshot.
func (q *Queue) afterMutationLocked() {
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(len(q.pending)))
		q.metrics.RunningTasks.Set(float64(len(q.running)))
	}
	if err := q.saveSnapshotLocked(); err != nil {
		q.logger.Error("queue snapshot write failed", "error", err)
	}
}

func clipRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
