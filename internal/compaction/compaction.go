// Package compaction bounds conversation growth across long tool loops.
// Old tool results dominate prompt size but rarely inform later rounds, so
// they collapse to short stubs while the request/response pairing the
// providers require stays intact.
package compaction

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/ouroboros/internal/llm"
)

// KeepGroups is how many of the most recent tool-call rounds keep their
// results verbatim.
const KeepGroups = 4

// MaxToolResultChars bounds a single tool result fed back to the model.
const MaxToolResultChars = 3000

const compactedPrefix = "[compacted: "

// Compact returns a copy of msgs in which tool results older than the last
// KeepGroups assistant tool-call rounds are replaced by a stub naming the
// tool and the original size. Roles, ordering, and tool-call ids are
// untouched, so a compacted buffer is still a valid transcript. Running it
// again is a no-op on already-stubbed entries.
func Compact(msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	copy(out, msgs)

	cutoff := compactionCutoff(out)
	if cutoff <= 0 {
		return out
	}

	names := toolCallNames(out)
	for i := 0; i < cutoff; i++ {
		if out[i].Role != llm.RoleTool {
			continue
		}
		if strings.HasPrefix(out[i].Content, compactedPrefix) {
			continue
		}
		name := names[out[i].ToolCallID]
		if name == "" {
			name = "tool"
		}
		out[i].Content = fmt.Sprintf("[compacted: %s → %d bytes]", name, len(out[i].Content))
	}
	return out
}

// compactionCutoff finds the index of the KeepGroups-th most recent
// assistant message that carries tool calls. Tool results before that
// index are old enough to stub. Returns 0 when there are not enough
// rounds to compact anything.
func compactionCutoff(msgs []llm.Message) int {
	seen := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleAssistant && len(msgs[i].ToolCalls) > 0 {
			seen++
			if seen == KeepGroups {
				return i
			}
		}
	}
	return 0
}

func toolCallNames(msgs []llm.Message) map[string]string {
	names := make(map[string]string)
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			names[tc.ID] = tc.Name
		}
	}
	return names
}

// TruncateResult caps a tool result at MaxToolResultChars runes, replacing
// the tail with a marker that records the original length so the model
// knows output was cut rather than complete.
func TruncateResult(s string) string {
	total := utf8.RuneCountInString(s)
	if total <= MaxToolResultChars {
		return s
	}
	marker := fmt.Sprintf("\n… [truncated, %d chars total]", total)
	keep := MaxToolResultChars - utf8.RuneCountInString(marker)
	if keep < 0 {
		keep = 0
	}
	runes := []rune(s)
	return string(runes[:keep]) + marker
}
