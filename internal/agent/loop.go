package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/haasonsaas/ouroboros/internal/backoff"
	"github.com/haasonsaas/ouroboros/internal/compaction"
	"github.com/haasonsaas/ouroboros/internal/llm"
	"github.com/haasonsaas/ouroboros/internal/state"
	"github.com/haasonsaas/ouroboros/internal/tasks"
	"github.com/haasonsaas/ouroboros/internal/usage"
)

// nowUTC is swapped in tests.
var nowUTC = func() time.Time { return time.Now().UTC() }

// Result is the outcome of one task run. Failures and cancellations still
// carry the usage accumulated before the run stopped.
type Result struct {
	// Text is the final assistant answer, or a user-visible error line
	// when the model could not be reached.
	Text  string
	Usage usage.Usage
	Trace *Trace

	// Model is the model id in effect when the run ended.
	Model string

	// Failed marks a permanent LLM failure. Cancelled marks an owner
	// cancel observed between rounds.
	Failed    bool
	Cancelled bool
}

// run is the mutable state of one task execution.
type run struct {
	task      *tasks.Task
	msgs      []llm.Message
	model     string
	maxTokens int
	effort    llm.Effort
	acc       usage.Usage
	trace     *Trace
	round     int
	codeTask  bool
}

// Run drives task until the model answers without tool calls, the budget
// guard or round cap forces a closure, the owner cancels, or the model
// becomes unreachable. inject delivers owner messages typed while the task
// runs; cancelled is polled between rounds. Both may be nil.
func (l *Loop) Run(ctx context.Context, task *tasks.Task, inject <-chan string, cancelled func() bool) Result {
	profile := l.llm.ProfileForTask(string(task.Type))
	r := &run{
		task:      task,
		msgs:      l.buildMessages(ctx, task),
		model:     profile.Model,
		maxTokens: profile.MaxTokens,
		effort:    profile.Effort,
		trace:     &Trace{TaskID: task.ID},
	}
	l.logger.Info("task loop started",
		"task_id", task.ID, "type", task.Type, "profile", profile.Name, "model", r.model)

	for r.round = 1; r.round <= l.cfg.MaxToolRounds; r.round++ {
		r.trace.Rounds = r.round

		if cancelled != nil && cancelled() {
			l.logger.Info("task cancelled between rounds", "task_id", task.ID, "round", r.round)
			return Result{Text: "Task cancelled.", Usage: r.acc, Trace: r.trace, Model: r.model, Cancelled: true}
		}

		for _, text := range drainInject(inject) {
			r.msgs = append(r.msgs, llm.Message{Role: llm.RoleUser, Content: text})
			l.logger.Debug("owner message folded into buffer", "task_id", task.ID, "round", r.round)
		}

		if r.round%selfCheckEvery == 0 {
			l.appendSelfCheck(r)
		}

		if r.round >= escalateXHighRound {
			r.effort = llm.MaxEffort(r.effort, llm.EffortXHigh)
		} else if r.round >= escalateHighRound {
			r.effort = llm.MaxEffort(r.effort, llm.EffortHigh)
		}

		r.msgs = compaction.Compact(r.msgs)

		resp, err := l.chatWithRetry(ctx, r, true)
		if err != nil {
			return l.llmFailure(r, err)
		}
		r.acc.Add(&resp.Usage)
		l.logRound(r, &resp)

		if !resp.HasToolCalls() {
			l.logger.Info("task loop finished",
				"task_id", task.ID, "rounds", r.round,
				"tokens", usage.FormatTokenCount(r.acc.Total()),
				"cost_usd", r.acc.CostUSD)
			return Result{Text: resp.Content, Usage: r.acc, Trace: r.trace, Model: r.model}
		}

		r.msgs = append(r.msgs, resp.AssistantMessage())
		if note := strings.TrimSpace(resp.Content); note != "" {
			r.trace.AssistantNotes = append(r.trace.AssistantNotes, note)
			l.progress(task.ID, task.ChatID, note)
		}

		outcomes := l.runTools(ctx, resp.ToolCalls)

		roundErrors := 0
		narration := make([]string, 0, len(outcomes))
		for _, out := range outcomes {
			r.msgs = append(r.msgs, llm.Message{
				Role:       llm.RoleTool,
				Content:    out.result,
				ToolCallID: out.call.ID,
				IsError:    out.isError,
			})
			if out.isError {
				roundErrors++
			}
			r.trace.ToolCalls = append(r.trace.ToolCalls, ToolTrace{
				Round:   r.round,
				Name:    out.call.Name,
				Args:    clipRunes(out.call.Arguments, traceArgsRunes),
				Result:  clipRunes(out.result, traceResultRunes),
				IsError: out.isError,
			})
			line := narrationLine(out.call.Name, out.call.Arguments, out.result)
			narration = append(narration, line)
			if err := l.journal.AppendNarration(task.ID, line); err != nil {
				l.logger.Warn("narration append failed", "task_id", task.ID, "error", err)
			}
		}
		l.progress(task.ID, task.ChatID, strings.Join(narration, "\n"))

		if !r.codeTask {
			for _, out := range outcomes {
				if l.tools.IsCodeMutating(out.call.Name) {
					p := l.llm.Profile("code_task")
					r.model = p.Model
					r.maxTokens = p.MaxTokens
					r.effort = llm.MaxEffort(r.effort, p.Effort)
					r.codeTask = true
					l.logger.Info("switched to code profile",
						"task_id", task.ID, "round", r.round, "tool", out.call.Name)
					break
				}
			}
		}

		if roundErrors >= roundErrorsXHigh {
			r.effort = llm.MaxEffort(r.effort, llm.EffortXHigh)
		} else if roundErrors >= roundErrorsHigh {
			r.effort = llm.MaxEffort(r.effort, llm.EffortHigh)
		}

		if note, closing := l.budgetGuard(r); closing {
			return l.forceClosure(ctx, r, note)
		}
	}

	return l.forceClosure(ctx, r, fmt.Sprintf(
		"Tool-round limit reached (%d rounds). Do not call any more tools. Give your final answer now.",
		l.cfg.MaxToolRounds))
}

// chatWithRetry calls the model, retrying transient failures with
// exponential backoff. Every failed attempt lands in events.jsonl.
func (l *Loop) chatWithRetry(ctx context.Context, r *run, withTools bool) (llm.Response, error) {
	req := llm.Request{
		Model:     r.model,
		Messages:  r.msgs,
		Effort:    r.effort,
		MaxTokens: r.maxTokens,
	}
	if withTools {
		req.Tools = l.tools.Schemas()
	}

	attempts := l.cfg.LLMMaxRetries
	return backoff.RetryIf(ctx, l.cfg.RetryPolicy, attempts, llm.IsTransient,
		func(attempt int) (llm.Response, error) {
			resp, err := l.llm.Chat(ctx, req)
			if err != nil {
				l.logger.Warn("llm call failed",
					"task_id", r.task.ID, "round", r.round, "attempt", attempt, "error", err)
				if aerr := l.journal.AppendEvent(state.StreamEvents, map[string]any{
					"type": "llm_api_error", "task_id": r.task.ID, "round": r.round,
					"attempt": attempt, "max_retries": attempts, "error": err.Error(),
				}); aerr != nil {
					l.logger.Warn("llm_api_error append failed", "error", aerr)
				}
				if attempt < attempts && llm.IsTransient(err) {
					l.progress(r.task.ID, r.task.ChatID, fmt.Sprintf(
						"LLM API error (attempt %d/%d): %s. Retrying…",
						attempt, attempts, clipRunes(err.Error(), 160)))
				}
			}
			return resp, err
		})
}

func (l *Loop) llmFailure(r *run, err error) Result {
	var text string
	if errors.Is(err, backoff.ErrMaxAttemptsExhausted) {
		text = fmt.Sprintf("⚠️ No response from the model after %d attempts.\nError: %v\nTry the request again in a minute.",
			l.cfg.LLMMaxRetries, err)
	} else {
		text = fmt.Sprintf("⚠️ LLM call failed: %v\nTry the request again in a minute.", err)
	}
	l.logger.Error("task llm failure", "task_id", r.task.ID, "round", r.round, "error", err)
	return Result{Text: text, Usage: r.acc, Trace: r.trace, Model: r.model, Failed: true}
}

// budgetGuard compares this task's spend against the remaining global
// budget. Above budgetHardShare the loop must close; inside the soft band
// it nudges every tenth round.
func (l *Loop) budgetGuard(r *run) (string, bool) {
	if l.remaining == nil {
		return "", false
	}
	remaining := l.remaining()
	taskCost := r.acc.CostUSD
	share := 1.0
	if remaining > 0 {
		share = taskCost / remaining
	}

	switch {
	case share > budgetHardShare:
		if err := l.journal.AppendEvent(state.StreamEvents, map[string]any{
			"type": "budget_limit", "task_id": r.task.ID, "round": r.round,
			"task_cost_usd": taskCost, "remaining_usd": remaining,
		}); err != nil {
			l.logger.Warn("budget_limit append failed", "error", err)
		}
		return fmt.Sprintf(
			"BUDGET LIMIT: this task has spent $%.2f of the $%.2f remaining budget. Do not call any more tools. Summarize what was done and what remains, and answer the owner now.",
			taskCost, remaining), true
	case share > budgetSoftShare && r.round%10 == 0:
		r.msgs = append(r.msgs, llm.Message{
			Role: llm.RoleSystem,
			Content: fmt.Sprintf(
				"Budget notice: this task has spent $%.2f with $%.2f remaining overall. Prefer fewer tool calls and steer toward a conclusion.",
				taskCost, remaining),
		})
	}
	return "", false
}

// forceClosure appends note as a system message and asks the model for a
// final answer with tools withheld.
func (l *Loop) forceClosure(ctx context.Context, r *run, note string) Result {
	r.msgs = append(compaction.Compact(r.msgs), llm.Message{Role: llm.RoleSystem, Content: note})
	resp, err := l.chatWithRetry(ctx, r, false)
	if err != nil {
		return l.llmFailure(r, err)
	}
	r.acc.Add(&resp.Usage)
	l.logRound(r, &resp)
	l.logger.Info("task closed without tools",
		"task_id", r.task.ID, "rounds", r.trace.Rounds,
		"tokens", usage.FormatTokenCount(r.acc.Total()),
		"cost_usd", r.acc.CostUSD)
	return Result{Text: resp.Content, Usage: r.acc, Trace: r.trace, Model: r.model}
}

// appendSelfCheck injects the periodic burn report so a long task
// reassesses itself instead of grinding on.
func (l *Loop) appendSelfCheck(r *run) {
	payload := struct {
		Rounds       int     `json:"rounds"`
		SpentUSD     float64 `json:"spent_usd"`
		PromptTokens int64   `json:"prompt_tokens"`
		CacheHitPct  float64 `json:"cache_hit_pct"`
	}{r.round, roundTo(r.acc.CostUSD, 4), r.acc.PromptTokens, roundTo(r.acc.CacheHitPct(), 1)}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	r.msgs = append(r.msgs, llm.Message{
		Role: llm.RoleSystem,
		Content: "Self-check: " + string(data) +
			". Reassess: are you converging on the task? If progress has stalled, change approach or finish with what you have.",
	})
	if err := l.journal.AppendEvent(state.StreamEvents, map[string]any{
		"type": "self_check", "task_id": r.task.ID, "rounds": r.round,
		"spent_usd": r.acc.CostUSD, "prompt_tokens": r.acc.PromptTokens,
		"cache_hit_pct": r.acc.CacheHitPct(),
	}); err != nil {
		l.logger.Warn("self_check append failed", "error", err)
	}
}

func (l *Loop) logRound(r *run, resp *llm.Response) {
	if err := l.journal.AppendEvent(state.StreamEvents, map[string]any{
		"type": "llm_round", "task_id": r.task.ID, "round": r.round,
		"model": resp.Model, "provider": resp.Provider,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"cached_tokens":     resp.Usage.CachedTokens,
		"cost_usd":          resp.Usage.CostUSD,
	}); err != nil {
		l.logger.Warn("llm_round append failed", "task_id", r.task.ID, "error", err)
	}
}

// drainInject empties the injection channel without blocking, preserving
// delivery order. Blank messages are dropped.
func drainInject(ch <-chan string) []string {
	if ch == nil {
		return nil
	}
	var out []string
	for {
		select {
		case text, ok := <-ch:
			if !ok {
				return out
			}
			if strings.TrimSpace(text) != "" {
				out = append(out, text)
			}
		default:
			return out
		}
	}
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
