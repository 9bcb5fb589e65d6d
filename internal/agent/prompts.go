package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/ouroboros/internal/llm"
	"github.com/haasonsaas/ouroboros/internal/tasks"
)

// fallbackPersona stands in when prompts/BASE.md cannot be read. The task
// still runs; the model is told to report the gap.
const fallbackPersona = "You are Ouroboros. Your base prompt could not be loaded. " +
	"Analyze available context, help the owner, and report the loading issue."

// buildMessages assembles the system context and the user turn. Missing
// context files degrade to fallbacks or skipped sections, never to a
// failed task; loading problems surface as warnings inside the runtime
// context where the model can see them.
func (l *Loop) buildMessages(ctx context.Context, task *tasks.Task) []llm.Message {
	base, ok := readIfPresent(filepath.Join(l.layout.PromptsDir(), "BASE.md"))
	if !ok {
		base = fallbackPersona
	}
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: base}}

	if world, ok := readIfPresent(filepath.Join(l.layout.PromptsDir(), "WORLD.md")); ok {
		msgs = append(msgs, systemSection("WORLD.md", world))
	}
	msgs = append(msgs, systemSection("State snapshot", l.stateExcerpt()))
	msgs = append(msgs, systemSection("Runtime context (JSON)", l.runtimeContext(ctx, task)))
	if lines := l.journal.RecentNarration(narrationTail); len(lines) > 0 {
		msgs = append(msgs, systemSection("Recent actions (narration.jsonl)", strings.Join(lines, "\n")))
	}

	user := llm.Message{Role: llm.RoleUser, Content: task.Text}
	if task.ImageB64 != "" {
		user.ImageB64 = task.ImageB64
	}
	return append(msgs, user)
}

func systemSection(name, body string) llm.Message {
	return llm.Message{Role: llm.RoleSystem, Content: "## " + name + "\n\n" + body}
}

// stateExcerpt renders the budget-relevant slice of the snapshot. Owner
// identifiers stay out of the prompt.
func (l *Loop) stateExcerpt() string {
	snap := l.journal.Current()
	payload := struct {
		Version              int     `json:"version"`
		SessionID            string  `json:"session_id,omitempty"`
		BudgetTotalUSD       float64 `json:"budget_total_usd"`
		SpentUSD             float64 `json:"spent_usd"`
		RemainingUSD         float64 `json:"remaining_usd"`
		EvolutionModeEnabled bool    `json:"evolution_mode_enabled"`
		LastOwnerMessageAt   string  `json:"last_owner_message_at,omitempty"`
	}{
		Version:              snap.Version,
		SessionID:            snap.SessionID,
		BudgetTotalUSD:       snap.BudgetTotalUSD,
		SpentUSD:             snap.SpentUSD,
		RemainingUSD:         snap.RemainingBudget(),
		EvolutionModeEnabled: snap.EvolutionModeEnabled,
		LastOwnerMessageAt:   snap.LastOwnerMessageAt,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

type taskRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// runtimeContext reports where and when the task runs. Git lookups are
// best-effort: failures become warnings, not errors.
func (l *Loop) runtimeContext(ctx context.Context, task *tasks.Task) string {
	var warnings []string
	head, branch := "unknown", "unknown"
	if l.repo != nil {
		if h, err := l.repo.Head(ctx); err == nil {
			head = h
		} else {
			warnings = append(warnings, "git HEAD: "+err.Error())
		}
		if b, err := l.repo.Branch(ctx); err == nil {
			branch = b
		} else {
			warnings = append(warnings, "git branch: "+err.Error())
		}
	}

	payload := struct {
		UTCNow     string   `json:"utc_now"`
		RepoDir    string   `json:"repo_dir"`
		RuntimeDir string   `json:"runtime_dir"`
		GitHead    string   `json:"git_head"`
		GitBranch  string   `json:"git_branch"`
		Task       taskRef  `json:"task"`
		Warnings   []string `json:"context_loading_warnings,omitempty"`
	}{
		UTCNow:     nowUTC().Format("2006-01-02T15:04:05Z"),
		RepoDir:    l.repoDir,
		RuntimeDir: l.layout.Root,
		GitHead:    head,
		GitBranch:  branch,
		Task:       taskRef{ID: task.ID, Type: string(task.Type)},
		Warnings:   warnings,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// readIfPresent returns a file's contents, reporting absence (or any read
// failure) as a skip rather than an error.
func readIfPresent(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return string(data), true
}
