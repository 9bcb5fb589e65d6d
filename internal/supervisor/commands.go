package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/ouroboros/internal/state"
	"github.com/haasonsaas/ouroboros/internal/tasks"
)

const helpText = "Commands: /status /queue /cancel <task_id> /evolve start|stop"

// handleCommand parses a leading slash command and handles it inline.
// Returns false for non-commands and unknown commands so the text falls
// through to normal dispatch.
func (s *Supervisor) handleCommand(ctx context.Context, text string, chatID int64) bool {
	cmd := strings.TrimSpace(text)
	if !strings.HasPrefix(cmd, "/") {
		return false
	}
	name, arg, _ := strings.Cut(cmd, " ")
	// Group chats suffix commands with the bot name.
	if at := strings.IndexByte(name, '@'); at > 0 {
		name = name[:at]
	}
	arg = strings.TrimSpace(arg)

	switch name {
	case "/status":
		s.Deliver(ctx, chatID, s.statusText())
	case "/queue":
		s.Deliver(ctx, chatID, s.queueText())
	case "/cancel":
		s.cancelCommand(ctx, arg, chatID)
	case "/evolve":
		s.evolveCommand(ctx, arg, chatID)
	case "/help", "/start":
		s.Deliver(ctx, chatID, helpText)
	default:
		return false
	}
	return true
}

// statusText is the /status reply: one summary line plus one line per
// running task.
func (s *Supervisor) statusText() string {
	snap := s.store.Current()
	alive, busy := s.pool.Counts()
	mode := "off"
	if snap.EvolutionModeEnabled {
		mode = "on"
	}
	now := s.now()

	var b strings.Builder
	fmt.Fprintf(&b,
		"pending: %d | running: %d | workers: %d/%d | budget: $%.2f/$%.2f | evolution: %s | uptime: %s",
		s.queue.PendingCount(), s.queue.RunningCount(), busy, alive,
		snap.SpentUSD, snap.BudgetTotalUSD, mode,
		now.Sub(s.startedAt).Round(time.Second))
	for _, t := range s.queue.Running() {
		fmt.Fprintf(&b, "\n%s %s %s",
			t.ID, t.Type, now.Sub(t.StartedAt).Round(time.Second))
	}
	return b.String()
}

// queueText lists pending tasks with priority and age.
func (s *Supervisor) queueText() string {
	pending := s.queue.Pending()
	if len(pending) == 0 {
		return "(empty)"
	}
	now := s.now()
	lines := make([]string, 0, len(pending))
	for _, t := range pending {
		lines = append(lines, fmt.Sprintf("%s %s p%d %s",
			t.ID, t.Type, t.Priority, t.Age(now).Round(time.Second)))
	}
	return strings.Join(lines, "\n")
}

func (s *Supervisor) cancelCommand(ctx context.Context, arg string, chatID int64) {
	if arg == "" {
		s.Deliver(ctx, chatID, "Usage: /cancel <task_id>")
		return
	}
	id := strings.Fields(arg)[0]
	switch s.queue.Cancel(id) {
	case tasks.CancelNotFound:
		s.Deliver(ctx, chatID, "Not found: "+id)
	case tasks.CancelRunning:
		if !s.pool.CancelRunning(id) {
			s.logger.Warn("cancel flag undeliverable", "task_id", id)
		}
		s.Deliver(ctx, chatID, "OK: "+id)
	default:
		s.Deliver(ctx, chatID, "OK: "+id)
	}
}

// evolveCommand toggles evolution mode. Stopping purges pending evolution
// tasks; an in-flight one drains.
func (s *Supervisor) evolveCommand(ctx context.Context, arg string, chatID int64) {
	switch strings.ToLower(arg) {
	case "start", "on", "1":
		s.setEvolutionMode(true)
		s.Deliver(ctx, chatID, "Evolution ON")
	case "stop", "off", "0":
		s.setEvolutionMode(false)
		s.queue.PurgeEvolution()
		s.Deliver(ctx, chatID, "Evolution OFF")
	default:
		s.Deliver(ctx, chatID, "Usage: /evolve start|stop")
	}
}

func (s *Supervisor) setEvolutionMode(enabled bool) {
	err := s.store.Mutate(func(sn *state.Snapshot) {
		sn.EvolutionModeEnabled = enabled
	})
	if err != nil {
		s.logger.Error("evolution mode persist failed", "error", err)
	}
}
