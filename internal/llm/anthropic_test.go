package llm

import (
	"encoding/json"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestAnthropicMessages(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "persona"},
		{Role: RoleSystem, Content: "world notes"},
		{Role: RoleUser, Content: "fix the bug"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{
			{ID: "c1", Name: "repo_read", Arguments: `{"path":"a.go"}`},
			{ID: "c2", Name: "git_status", Arguments: `{}`},
		}},
		{Role: RoleTool, Content: "package main", ToolCallID: "c1"},
		{Role: RoleTool, Content: "clean", ToolCallID: "c2"},
		{Role: RoleSystem, Content: "self-check: reassess"},
	}

	system, out := anthropicMessages(msgs)

	if len(system) != 2 {
		t.Fatalf("system blocks = %d, want leading run of 2", len(system))
	}
	if system[0].Text != "persona" || system[1].Text != "world notes" {
		t.Errorf("system = %+v", system)
	}

	// user, assistant, merged tool results, trailing steering note
	if len(out) != 4 {
		t.Fatalf("messages = %d, want 4", len(out))
	}
	if out[0].Role != anthropic.MessageParamRoleUser {
		t.Errorf("first message role = %v", out[0].Role)
	}
	if out[1].Role != anthropic.MessageParamRoleAssistant || len(out[1].Content) != 2 {
		t.Errorf("assistant turn = %+v", out[1])
	}

	results := out[2]
	if results.Role != anthropic.MessageParamRoleUser {
		t.Errorf("tool results role = %v", results.Role)
	}
	if len(results.Content) != 2 {
		t.Fatalf("consecutive tool results should merge into one turn, got %d blocks", len(results.Content))
	}
	first := results.Content[0].OfToolResult
	if first == nil || first.ToolUseID != "c1" {
		t.Errorf("first result block = %+v", results.Content[0])
	}

	steering := out[3]
	if steering.Role != anthropic.MessageParamRoleUser || steering.Content[0].OfText == nil {
		t.Errorf("mid-conversation system should become a user text turn: %+v", steering)
	}
}

func TestAnthropicMessagesImage(t *testing.T) {
	_, out := anthropicMessages([]Message{
		{Role: RoleUser, Content: "what is this", ImageB64: "aGVsbG8="},
	})
	if len(out) != 1 {
		t.Fatalf("messages = %d", len(out))
	}
	if len(out[0].Content) != 2 {
		t.Fatalf("blocks = %d, want text+image", len(out[0].Content))
	}
	if out[0].Content[1].OfImage == nil {
		t.Error("second block should be an image")
	}
}

func TestAnthropicTools(t *testing.T) {
	specs := []ToolSpec{
		{Name: "repo_read", Description: "read", Parameters: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`)},
		{Name: "repo_list", Description: "list", Parameters: json.RawMessage(`{"type":"object"}`)},
	}

	out := anthropicTools(specs, true)
	if len(out) != 2 {
		t.Fatalf("tools = %d", len(out))
	}
	if out[0].OfTool.CacheControl.TTL != "" {
		t.Error("only the last schema should carry the cache hint")
	}
	if out[1].OfTool.CacheControl.TTL != "1h" {
		t.Errorf("last schema TTL = %q, want 1h", out[1].OfTool.CacheControl.TTL)
	}

	plain := anthropicTools(specs, false)
	if plain[1].OfTool.CacheControl.TTL != "" {
		t.Error("cache hint set for a provider without caching support")
	}
}

func TestThinkingBudget(t *testing.T) {
	tests := []struct {
		effort    Effort
		maxTokens int
		want      int64
	}{
		{EffortLow, 8192, 0},
		{EffortMedium, 8192, 0},
		{EffortHigh, 8192, 4096},
		{EffortXHigh, 16384, 12288},
		{EffortHigh, 4096, 0},
		{EffortXHigh, 8192, 0},
	}
	for _, tt := range tests {
		if got := thinkingBudget(tt.effort, tt.maxTokens); got != tt.want {
			t.Errorf("thinkingBudget(%s, %d) = %d, want %d", tt.effort, tt.maxTokens, got, tt.want)
		}
	}
}

func TestUsageFromAnthropic(t *testing.T) {
	u := usageFromAnthropic(anthropic.Usage{
		InputTokens:              100,
		OutputTokens:             50,
		CacheReadInputTokens:     1000,
		CacheCreationInputTokens: 200,
	})
	if u.PromptTokens != 1300 {
		t.Errorf("prompt tokens = %d, want uncached+read+write", u.PromptTokens)
	}
	if u.CompletionTokens != 50 || u.TotalTokens != 1350 {
		t.Errorf("usage = %+v", u)
	}
	if u.CachedTokens != 1000 || u.CacheWriteTokens != 200 {
		t.Errorf("cache accounting = %+v", u)
	}
}
