// Package tasks implements the supervisor's work queue: a priority-sorted
// pending list, a running index, crash-safe snapshots, and the scheduler
// that holds deferred work until due.
package tasks

import (
	"time"

	"github.com/google/uuid"
)

// Status is a task's lifecycle state. pending → running → one of the
// terminal states; terminal states are absorbing.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// Type classifies what produced a task and which prompt framing it gets.
type Type string

const (
	// TypeChat is an owner message dispatched as a task.
	TypeChat Type = "chat"

	// TypeEvolution is a self-improvement task enqueued by the probe.
	TypeEvolution Type = "evolution"

	// TypeReview is an owner-approved maintenance task (e.g. reindex).
	TypeReview Type = "review"

	// TypeScheduled is a deferred task the scheduler released.
	TypeScheduled Type = "scheduled"
)

// Task is one unit of work. It is the JSON payload handed to a worker, so
// every field a worker needs crosses the process boundary here.
type Task struct {
	ID       string `json:"id"`
	Type     Type   `json:"type"`
	Text     string `json:"text"`
	ChatID   int64  `json:"chat_id,omitempty"`
	Priority int    `json:"priority"`

	// ImageB64 and ImageMime carry an attached photo, already downscaled
	// for vision input.
	ImageB64  string `json:"image_b64,omitempty"`
	ImageMime string `json:"image_mime,omitempty"`

	// IdempotencyKey dedups enqueues: a second task with the same key is
	// dropped while the first is still pending or running.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	SoftDeadline  time.Time `json:"soft_deadline,omitempty"`
	HardDeadline  time.Time `json:"hard_deadline,omitempty"`
	SoftNudged    bool      `json:"soft_nudged,omitempty"`
	Retried       bool      `json:"retried,omitempty"`
	WorkerID      int       `json:"worker_id,omitempty"`
	ResultSummary string    `json:"result_summary,omitempty"`
}

// NewID returns an opaque 8-char task token.
func NewID() string {
	return uuid.NewString()[:8]
}

// New builds a pending task with a fresh id.
func New(typ Type, text string, chatID int64, priority int) *Task {
	return &Task{
		ID:        NewID(),
		Type:      typ,
		Text:      text,
		ChatID:    chatID,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// IsTerminal reports whether the task reached an absorbing state.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case StatusDone, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Age returns how long ago the task was created.
func (t *Task) Age(now time.Time) time.Duration {
	return now.Sub(t.CreatedAt)
}
