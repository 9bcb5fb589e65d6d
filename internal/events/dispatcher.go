package events

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/ouroboros/internal/observability"
	"github.com/haasonsaas/ouroboros/internal/usage"
)

// MaxPerTick bounds how many events one main-loop iteration applies, so a
// chatty worker cannot starve polling and health checks.
const MaxPerTick = 200

// Core is the supervisor surface the dispatcher drives. The supervisor
// implements it; tests substitute a recorder.
type Core interface {
	// Deliver sends text to the given chat, falling back to the owner chat
	// when chatID is zero.
	Deliver(ctx context.Context, chatID int64, text string)

	// ApplyUsage charges one LLM round against the budget.
	ApplyUsage(u *usage.Usage, model string)

	// FinishTask marks a task terminal, releases its worker, and reports
	// the result to the owner.
	FinishTask(ctx context.Context, ev Event)

	// RequestRestart arranges a self-restart once running tasks settle.
	RequestRestart(ctx context.Context, reason string)

	// RequestApproval parks an owner-approval request (stable promotion or
	// reindex) and prompts the owner.
	RequestApproval(ctx context.Context, kind Kind, detail string)

	// ScheduleTask enqueues a new task now or hands it to the cron
	// scheduler when the event carries timing fields.
	ScheduleTask(ctx context.Context, ev Event)

	// CancelTask cancels a pending or running task by id.
	CancelTask(ctx context.Context, taskID string)

	// NoteHeartbeat records worker liveness for the health watchdog.
	NoteHeartbeat(workerID int, taskID string)
}

// Dispatcher applies events from the shared channel to the supervisor.
type Dispatcher struct {
	core    Core
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewDispatcher wires a dispatcher to the supervisor core.
func NewDispatcher(core Core, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{core: core, logger: logger, metrics: metrics}
}

// Drain applies up to MaxPerTick pending events without blocking and
// returns how many it handled. A malformed or unknown event is logged and
// skipped; one bad frame never stalls the stream.
func (d *Dispatcher) Drain(ctx context.Context, ch <-chan Event) int {
	handled := 0
	for handled < MaxPerTick {
		select {
		case ev, ok := <-ch:
			if !ok {
				return handled
			}
			d.Dispatch(ctx, ev)
			handled++
		default:
			return handled
		}
	}
	return handled
}

// Dispatch applies a single event.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	if d.metrics != nil {
		d.metrics.EventsDispatched.WithLabelValues(string(ev.Type)).Inc()
	}

	switch ev.Type {
	case KindSendMessage:
		d.core.Deliver(ctx, ev.ChatID, ev.Text)

	case KindLLMUsage:
		d.core.ApplyUsage(ev.Usage, ev.Model)

	case KindTaskDone:
		d.core.FinishTask(ctx, ev)

	case KindRestartRequest:
		d.core.RequestRestart(ctx, ev.Reason)

	case KindStablePromotionRequest:
		d.core.RequestApproval(ctx, KindStablePromotionRequest, ev.Summary)

	case KindReindexRequest:
		d.core.RequestApproval(ctx, KindReindexRequest, ev.Reason)

	case KindScheduleTask:
		d.core.ScheduleTask(ctx, ev)

	case KindCancelTask:
		d.core.CancelTask(ctx, ev.TaskID)

	case KindOwnerMessageInjected:
		d.logger.Debug("owner message injected into running task",
			"task_id", ev.TaskID)

	case KindHeartbeat:
		d.core.NoteHeartbeat(ev.WorkerID, ev.TaskID)

	default:
		d.logger.Warn("unknown event kind dropped",
			"kind", string(ev.Type), "task_id", ev.TaskID)
	}
}
