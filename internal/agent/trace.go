package agent

import (
	"fmt"
	"strings"
)

// Trace clipping bounds.
const (
	traceArgsRunes   = 500
	traceResultRunes = 2000
	narrateArgRunes  = 60
)

// Trace is the per-task audit of what the model said and did. The worker
// persists it under task_results/ next to the final answer.
type Trace struct {
	TaskID         string      `json:"task_id"`
	Rounds         int         `json:"rounds"`
	AssistantNotes []string    `json:"assistant_notes,omitempty"`
	ToolCalls      []ToolTrace `json:"tool_calls,omitempty"`
}

// ToolTrace records one executed tool call. Args and Result are clipped;
// the full versions live in tools.jsonl.
type ToolTrace struct {
	Round   int    `json:"round"`
	Name    string `json:"name"`
	Args    string `json:"args"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
}

// narrationLine renders one deterministic action line for the owner and
// the narration log: "<tool>: <arg digest> → <status>".
func narrationLine(tool, rawArgs, result string) string {
	return fmt.Sprintf("%s: %s → %s", tool, argDigest(rawArgs), resultStatus(result))
}

// argDigest flattens the raw argument JSON onto one line capped at
// narrateArgRunes runes.
func argDigest(raw string) string {
	s := strings.Join(strings.Fields(raw), " ")
	if s == "" {
		s = "{}"
	}
	runes := []rune(s)
	if len(runes) > narrateArgRunes {
		return string(runes[:narrateArgRunes-1]) + "…"
	}
	return s
}

func resultStatus(result string) string {
	switch {
	case strings.HasPrefix(result, timeoutPrefix):
		return "timeout"
	case strings.HasPrefix(result, "⚠️"):
		return "error"
	default:
		return "ok"
	}
}

// clipRunes bounds a string at max runes with an ellipsis.
func clipRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
