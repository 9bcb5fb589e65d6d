package supervisor

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/ouroboros/internal/events"
	"github.com/haasonsaas/ouroboros/internal/tasks"
	"github.com/haasonsaas/ouroboros/internal/usage"
)

// reindexPrompt frames the owner-approved maintenance task.
const reindexPrompt = "Run a full reindex of your memory: re-read the raw " +
	"narration and memory files and rebuild the summary index. Report what " +
	"changed."

// approval is one parked owner decision. The head of the FIFO is the one a
// yes/no reply resolves.
type approval struct {
	kind   events.Kind
	detail string
}

// Deliver sends text to chatID, falling back to the owner chat when zero.
// Every BudgetReportEvery-th outbound message carries a budget footer.
// Main-loop only; the sent counter is unsynchronized on purpose.
func (s *Supervisor) Deliver(ctx context.Context, chatID int64, text string) {
	if chatID == 0 {
		chatID = s.ownerChat()
	}
	if chatID == 0 {
		s.logger.Warn("no owner chat known; message dropped",
			"text_len", len(text))
		return
	}

	s.sent++
	if every := s.cfg.BudgetReportEvery; every > 0 && s.sent%every == 0 {
		snap := s.store.Current()
		text += fmt.Sprintf("\n\n💰 %s spent / %s total",
			usage.FormatUSD(snap.SpentUSD), usage.FormatUSD(snap.BudgetTotalUSD))
	}

	if err := s.sender.Send(ctx, chatID, text); err != nil {
		s.logger.Warn("owner message delivery failed",
			"chat_id", chatID, "error", err)
	}
}

// ApplyUsage charges one LLM round against the budget.
func (s *Supervisor) ApplyUsage(u *usage.Usage, model string) {
	if u == nil {
		return
	}
	cost, err := s.store.UpdateBudget(u, model)
	if err != nil {
		s.logger.Error("budget update failed", "error", err)
	}
	if s.metrics != nil {
		s.metrics.SpentUSD.Add(cost)
		snap := s.store.Current()
		s.metrics.BudgetRemainingUSD.Set(snap.RemainingBudget())
	}
	s.logger.Debug("usage applied",
		"model", model, "cost_usd", cost, "tokens", u.Total())
}

// FinishTask marks a task terminal and frees its worker. The worker already
// delivered the answer via send_message, so only failures message the owner.
func (s *Supervisor) FinishTask(ctx context.Context, ev events.Event) {
	t := s.queue.MarkTerminal(ev.TaskID, terminalStatus(ev.Status), ev.Result)
	if ev.WorkerID != 0 {
		s.pool.Release(ev.WorkerID)
	}
	if t == nil {
		s.logger.Warn("task_done for unknown task", "task_id", ev.TaskID)
		return
	}
	if t.Status == tasks.StatusFailed {
		detail := ev.Result
		if detail == "" {
			detail = "no result"
		}
		s.Deliver(ctx, t.ChatID, fmt.Sprintf("⚠️ Task %s failed: %s", t.ID, detail))
	}
}

// terminalStatus maps a task_done status string to a queue status. Unknown
// strings count as failed rather than silently done.
func terminalStatus(raw string) tasks.Status {
	switch tasks.Status(raw) {
	case tasks.StatusDone:
		return tasks.StatusDone
	case tasks.StatusCancelled:
		return tasks.StatusCancelled
	case tasks.StatusTimedOut:
		return tasks.StatusTimedOut
	default:
		return tasks.StatusFailed
	}
}

// RequestRestart arranges a self-restart once running tasks settle. The
// first reason wins; later requests before the restart are dropped.
func (s *Supervisor) RequestRestart(ctx context.Context, reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	if s.restartReason != "" {
		s.logger.Info("restart already pending; request dropped",
			"pending", s.restartReason, "dropped", reason)
		return
	}
	s.restartReason = reason
	s.journal(map[string]any{"type": "restart_request", "reason": reason})
	s.Deliver(ctx, 0, fmt.Sprintf(
		"🔄 Restart requested: %s. Finishing running tasks first.", reason))
}

// RequestApproval parks an owner decision and prompts when it reaches the
// head of the queue.
func (s *Supervisor) RequestApproval(ctx context.Context, kind events.Kind, detail string) {
	s.approvals = append(s.approvals, approval{kind: kind, detail: detail})
	if len(s.approvals) == 1 {
		s.promptApproval(ctx, s.approvals[0])
	}
}

func (s *Supervisor) promptApproval(ctx context.Context, a approval) {
	var ask string
	switch a.kind {
	case events.KindStablePromotionRequest:
		ask = fmt.Sprintf("🔀 Promotion to stable requested: %s\nReply yes to promote, no to decline.", a.detail)
	case events.KindReindexRequest:
		ask = fmt.Sprintf("🔁 Reindex requested: %s\nReply yes to proceed, no to decline.", a.detail)
	default:
		ask = fmt.Sprintf("Approval requested: %s\nReply yes or no.", a.detail)
	}
	s.Deliver(ctx, 0, ask)
}

// resolveApproval consumes a yes/no reply against the head approval.
// Returns false when no approval is pending or the text is neither, so the
// message falls through to normal dispatch.
func (s *Supervisor) resolveApproval(ctx context.Context, text string) bool {
	if len(s.approvals) == 0 {
		return false
	}
	var approved bool
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "yes", "y", "approve":
		approved = true
	case "no", "n", "deny":
		approved = false
	default:
		return false
	}

	head := s.approvals[0]
	s.approvals = s.approvals[1:]

	if !approved {
		s.Deliver(ctx, 0, "Declined.")
	} else {
		switch head.kind {
		case events.KindStablePromotionRequest:
			s.approveStablePromotion(ctx)
		case events.KindReindexRequest:
			s.approveReindex(ctx)
		}
	}

	if len(s.approvals) > 0 {
		s.promptApproval(ctx, s.approvals[0])
	}
	return true
}

func (s *Supervisor) approveStablePromotion(ctx context.Context) {
	if s.git == nil {
		s.Deliver(ctx, 0, "⚠️ Promotion unavailable: no git remote configured")
		return
	}
	out, err := s.git.PromoteStable(ctx)
	if err != nil {
		// GitError already carries the owner-facing ⚠️ GIT_ERROR form.
		s.Deliver(ctx, 0, err.Error())
		return
	}
	s.Deliver(ctx, 0, out)
}

func (s *Supervisor) approveReindex(ctx context.Context) {
	t := tasks.New(tasks.TypeReview, reindexPrompt, s.ownerChat(), 0)
	t.IdempotencyKey = "reindex"
	if !s.queue.Enqueue(t) {
		s.Deliver(ctx, 0, "Reindex already queued.")
		return
	}
	s.Deliver(ctx, 0, fmt.Sprintf("Reindex queued as task %s", t.ID))
}

// ScheduleTask enqueues now or hands the event to the cron scheduler when
// it carries timing fields.
func (s *Supervisor) ScheduleTask(ctx context.Context, ev events.Event) {
	if err := s.scheduler.Defer(ev); err != nil {
		s.logger.Warn("schedule rejected", "cron", ev.Cron, "error", err)
		s.Deliver(ctx, 0, fmt.Sprintf("⚠️ Schedule rejected: %v", err))
	}
}

// CancelTask cancels a pending or running task. Running tasks get a cancel
// flag the worker loop honors between rounds.
func (s *Supervisor) CancelTask(ctx context.Context, taskID string) {
	switch s.queue.Cancel(taskID) {
	case tasks.CancelRunning:
		if !s.pool.CancelRunning(taskID) {
			s.logger.Warn("cancel flag undeliverable", "task_id", taskID)
		}
	case tasks.CancelNotFound:
		s.logger.Debug("cancel for unknown task", "task_id", taskID)
	}
}

// NoteHeartbeat records worker liveness for the health watchdog.
func (s *Supervisor) NoteHeartbeat(workerID int, _ string) {
	s.pool.NoteHeartbeat(workerID)
}

// ownerChat resolves the chat used for owner-directed messages.
func (s *Supervisor) ownerChat() int64 {
	snap := s.store.Current()
	if snap.OwnerChatID != 0 {
		return snap.OwnerChatID
	}
	return snap.OwnerID
}
