// Package agent drives one task to completion: it assembles the system
// context, loops the model over the tool registry, and applies the
// runtime's escalation and budget rules until a final answer (or a forced
// closure) comes back.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/ouroboros/internal/backoff"
	"github.com/haasonsaas/ouroboros/internal/events"
	"github.com/haasonsaas/ouroboros/internal/llm"
	"github.com/haasonsaas/ouroboros/internal/state"
)

// Loop thresholds. Rounds are 1-based.
const (
	// selfCheckEvery is the cadence of the self-check system message.
	selfCheckEvery = 20

	// escalateHighRound and escalateXHighRound raise reasoning effort as a
	// task drags on. Escalation is monotonic.
	escalateHighRound  = 5
	escalateXHighRound = 10

	// roundErrorsHigh and roundErrorsXHigh raise effort when tool calls
	// fail within a single round.
	roundErrorsHigh  = 2
	roundErrorsXHigh = 4

	// budgetHardShare is the task-cost share of the remaining budget that
	// forces a closing answer; budgetSoftShare only nudges.
	budgetHardShare = 0.5
	budgetSoftShare = 0.3

	// maxFanout bounds the parallel tool fan-out within one round.
	maxFanout = 8

	// narrationTail is how many narration lines feed the next task's
	// system context.
	narrationTail = 20
)

// Defaults for Config zero values.
const (
	DefaultMaxToolRounds = 20
	DefaultLLMMaxRetries = 3
)

// LLM is the completion surface the loop drives. *llm.Client satisfies it.
type LLM interface {
	Chat(ctx context.Context, req llm.Request) (llm.Response, error)
	Profile(name string) llm.Profile
	ProfileForTask(taskType string) llm.Profile
}

// ToolRunner executes schema-validated tool calls and reports per-tool
// execution classes. *tools.Registry satisfies it.
type ToolRunner interface {
	Execute(ctx context.Context, name, rawArgs string) string
	Schemas() []llm.ToolSpec
	TimeoutFor(name string) time.Duration
	IsParallelSafe(name string) bool
	IsCodeMutating(name string) bool
}

// Journal is the slice of the state store the loop reads and records to.
type Journal interface {
	Current() state.Snapshot
	AppendEvent(stream state.Stream, record map[string]any) error
	AppendNarration(taskID, line string) error
	RecentNarration(n int) []string
}

// RepoInspector reports read-only git facts for the runtime context.
// *gitops.Coordinator satisfies it; nil leaves head and branch "unknown".
type RepoInspector interface {
	Head(ctx context.Context) (string, error)
	Branch(ctx context.Context) (string, error)
}

// Config bounds one task run.
type Config struct {
	// MaxToolRounds caps LLM rounds per task; at the cap the loop forces a
	// closing answer without tools. Zero means DefaultMaxToolRounds.
	MaxToolRounds int

	// LLMMaxRetries bounds attempts per LLM call on transient errors.
	// Zero means DefaultLLMMaxRetries.
	LLMMaxRetries int

	// RetryPolicy shapes the backoff between transient LLM failures.
	// Zero value means backoff.LLMPolicy.
	RetryPolicy backoff.Policy
}

// Options wires a Loop.
type Options struct {
	LLM     LLM
	Tools   ToolRunner
	Journal Journal

	// Emit publishes progress and control events toward the supervisor.
	// May be nil in tests.
	Emit func(events.Event)

	// RemainingBudget reports the unspent global budget for the guard.
	// Nil disables budget checks.
	RemainingBudget func() float64

	// Repo supplies git head/branch for the runtime context. May be nil.
	Repo RepoInspector

	// RepoDir is the runtime's own repository root, reported in the
	// runtime context.
	RepoDir string

	// Layout locates the prompts directory and runtime root.
	Layout state.Layout

	Config Config
	Logger *slog.Logger
}

// Loop is the per-worker task driver. It is reusable across tasks but
// drives one task at a time.
type Loop struct {
	llm       LLM
	tools     ToolRunner
	journal   Journal
	emitFn    func(events.Event)
	remaining func() float64
	repo      RepoInspector
	repoDir   string
	layout    state.Layout
	cfg       Config
	logger    *slog.Logger
}

// New builds a Loop, applying config defaults.
func New(opts Options) *Loop {
	cfg := opts.Config
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.LLMMaxRetries <= 0 {
		cfg.LLMMaxRetries = DefaultLLMMaxRetries
	}
	if cfg.RetryPolicy.InitialMs <= 0 {
		cfg.RetryPolicy = backoff.LLMPolicy()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		llm:       opts.LLM,
		tools:     opts.Tools,
		journal:   opts.Journal,
		emitFn:    opts.Emit,
		remaining: opts.RemainingBudget,
		repo:      opts.Repo,
		repoDir:   opts.RepoDir,
		layout:    opts.Layout,
		cfg:       cfg,
		logger:    logger.With("component", "agent"),
	}
}

func (l *Loop) emit(ev events.Event) {
	if l.emitFn != nil {
		l.emitFn(ev.Stamp())
	}
}

// progress streams a human-readable update to the owner chat.
func (l *Loop) progress(taskID string, chatID int64, text string) {
	if text == "" {
		return
	}
	l.emit(events.Event{
		Type:   events.KindSendMessage,
		TaskID: taskID,
		ChatID: chatID,
		Text:   "💬 " + text,
	})
}
