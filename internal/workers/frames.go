// Package workers runs the task pool: child processes spawned from the
// supervisor binary, spoken to over JSON lines. Task and control frames go
// down each worker's stdin; event frames (including heartbeats) come back
// up its stdout and merge into one shared channel for the dispatcher.
package workers

import "github.com/haasonsaas/ouroboros/internal/tasks"

// FrameKind names one stdin frame variety.
type FrameKind string

const (
	// FrameTask hands the worker its next task. A worker holds at most
	// one; the supervisor never sends another before task_done.
	FrameTask FrameKind = "task"

	// FrameInject folds an owner message into the running task's
	// conversation between rounds.
	FrameInject FrameKind = "inject"

	// FrameCancel raises the running task's cancel flag. Cooperative: the
	// loop checks it between rounds.
	FrameCancel FrameKind = "cancel"
)

// Frame is one supervisor→worker stdin line.
type Frame struct {
	Kind FrameKind `json:"kind"`

	// Task accompanies FrameTask.
	Task *tasks.Task `json:"task,omitempty"`

	// TaskID and Text accompany FrameInject and FrameCancel.
	TaskID string `json:"task_id,omitempty"`
	Text   string `json:"text,omitempty"`
}
