// Package events defines the shared event stream between workers and the
// supervisor, and the dispatcher that applies each event to the runtime.
// Workers produce events (multi-producer); the supervisor main loop is the
// single consumer.
package events

import (
	"time"

	"github.com/haasonsaas/ouroboros/internal/usage"
)

// Kind names one event variety on the shared channel.
type Kind string

const (
	// KindSendMessage delivers text to a chat through the transport.
	KindSendMessage Kind = "send_message"

	// KindLLMUsage reports one LLM round's token usage and cost.
	KindLLMUsage Kind = "llm_usage"

	// KindTaskDone marks a task terminal and frees its worker.
	KindTaskDone Kind = "task_done"

	// KindRestartRequest asks the supervisor to replace itself.
	KindRestartRequest Kind = "restart_request"

	// KindStablePromotionRequest asks the owner to approve a dev→stable
	// promotion.
	KindStablePromotionRequest Kind = "stable_promotion_request"

	// KindScheduleTask enqueues a new task, immediately or on a schedule.
	KindScheduleTask Kind = "schedule_task"

	// KindCancelTask cancels a pending or running task.
	KindCancelTask Kind = "cancel_task"

	// KindReindexRequest asks the owner to approve a full reindex task.
	KindReindexRequest Kind = "reindex_request"

	// KindOwnerMessageInjected records that an owner message was injected
	// into a running task. Diagnostic only; the injection already happened.
	KindOwnerMessageInjected Kind = "owner_message_injected"

	// KindHeartbeat is a worker liveness ping on the same stream.
	KindHeartbeat Kind = "heartbeat"
)

// Event is one record on the worker→supervisor channel. It doubles as the
// stdout IPC frame, so every field is JSON-tagged and optional fields are
// omitted when empty.
type Event struct {
	Type   Kind   `json:"type"`
	TaskID string `json:"task_id,omitempty"`

	// Status and Result accompany task_done.
	Status string `json:"status,omitempty"`
	Result string `json:"result,omitempty"`

	// Text carries the message body (send_message) or the task description
	// (schedule_task).
	Text string `json:"text,omitempty"`

	// ChatID overrides the owner chat for send_message when set.
	ChatID int64 `json:"chat_id,omitempty"`

	// Usage and Model accompany llm_usage.
	Usage *usage.Usage `json:"usage,omitempty"`
	Model string       `json:"model,omitempty"`

	// Reason accompanies restart_request and reindex_request; Summary
	// accompanies stable_promotion_request.
	Reason  string `json:"reason,omitempty"`
	Summary string `json:"summary,omitempty"`

	// Scheduling fields for schedule_task.
	Priority     int    `json:"priority,omitempty"`
	DelayMinutes int    `json:"delay_minutes,omitempty"`
	Cron         string `json:"cron,omitempty"`

	// WorkerID is stamped by the pool reader that received the frame.
	WorkerID int `json:"worker_id,omitempty"`

	// TS is the emission time, unix seconds with fractional part.
	TS float64 `json:"ts,omitempty"`
}

// Stamp fills the emission timestamp if unset and returns the event.
func (e Event) Stamp() Event {
	if e.TS == 0 {
		e.TS = float64(time.Now().UnixMilli()) / 1000.0
	}
	return e
}

// Record converts the event to a generic map for the JSONL audit streams.
func (e Event) Record() map[string]any {
	rec := map[string]any{"type": string(e.Type)}
	if e.TaskID != "" {
		rec["task_id"] = e.TaskID
	}
	if e.Status != "" {
		rec["status"] = e.Status
	}
	if e.Text != "" {
		rec["text"] = e.Text
	}
	if e.ChatID != 0 {
		rec["chat_id"] = e.ChatID
	}
	if e.Model != "" {
		rec["model"] = e.Model
	}
	if e.Reason != "" {
		rec["reason"] = e.Reason
	}
	if e.Summary != "" {
		rec["summary"] = e.Summary
	}
	if e.Usage != nil {
		rec["usage"] = map[string]any{
			"prompt_tokens":     e.Usage.PromptTokens,
			"completion_tokens": e.Usage.CompletionTokens,
			"cached_tokens":     e.Usage.CachedTokens,
			"total_tokens":      e.Usage.Total(),
			"cost_usd":          e.Usage.CostUSD,
		}
	}
	if e.WorkerID != 0 {
		rec["worker_id"] = e.WorkerID
	}
	if e.TS != 0 {
		rec["ts"] = e.TS
	}
	return rec
}
