package llm

import (
	"encoding/json"

	"github.com/haasonsaas/ouroboros/internal/usage"
)

// Conversation roles. The buffer follows the OpenAI-compatible chat
// protocol; adapters translate for providers with a different wire shape.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn in a conversation buffer.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ImageB64 attaches an inline PNG to a user turn. Adapters encode it
	// as a data URL or a native image block depending on the provider.
	ImageB64 string `json:"image_b64,omitempty"`

	// ToolCalls is set on assistant turns that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID pairs a tool turn with the assistant call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// IsError marks a tool turn whose content is an error result, for
	// providers that carry the flag natively.
	IsError bool `json:"is_error,omitempty"`
}

// ToolCall is a single function invocation requested by the assistant.
// Arguments is the raw JSON argument object as produced by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSpec describes one callable tool advertised to the model.
// Parameters is a JSON schema object.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is a single chat-completion call. Model carries the full
// (possibly provider-prefixed) id; resolution strips the prefix for
// providers that expect bare ids.
type Request struct {
	Model     string
	Messages  []Message
	Tools     []ToolSpec
	Effort    Effort
	MaxTokens int
}

// Response is the assistant turn returned by a provider, together with
// the usage accounting for the call.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     usage.Usage

	// Provider and Model record where the call was actually routed.
	Provider string
	Model    string

	// generationID is the provider-side id of this completion, used for
	// the openrouter generation-detail cost lookup.
	generationID string
}

// HasToolCalls reports whether the assistant requested tool execution.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// AssistantMessage converts the response back into a conversation turn
// so it can be appended to the buffer.
func (r *Response) AssistantMessage() Message {
	return Message{Role: RoleAssistant, Content: r.Content, ToolCalls: r.ToolCalls}
}
