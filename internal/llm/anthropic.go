package llm

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/ouroboros/internal/usage"
)

// anthropicAdapter speaks the native Anthropic messages protocol:
// system prompt outside the message list, tool results folded into user
// turns, and prompt-cache hints on the tool schema.
type anthropicAdapter struct {
	prov   Provider
	client anthropic.Client
}

func newAnthropicAdapter(p Provider) *anthropicAdapter {
	options := []option.RequestOption{option.WithAPIKey(p.APIKey)}
	if p.BaseURL != "" {
		options = append(options, option.WithBaseURL(p.BaseURL))
	}
	return &anthropicAdapter{prov: p, client: anthropic.NewClient(options...)}
}

func (a *anthropicAdapter) chat(ctx context.Context, req Request, model string) (Response, error) {
	system, messages := anthropicMessages(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		params.Tools = anthropicTools(req.Tools, a.prov.SupportsCaching)
	}
	if budget := thinkingBudget(req.Effort, maxTokens); budget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, wrapError(a.prov.Name, model, err)
	}

	out := Response{Provider: a.prov.Name, Model: req.Model}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}
	out.Usage = usageFromAnthropic(msg.Usage)
	return out, nil
}

// anthropicMessages splits the buffer into the system prompt and the
// message list. The leading run of system turns becomes the system
// prompt; later system turns (self-checks, budget nudges) become user
// turns. Consecutive tool results merge into one user message so each
// result block directly follows its tool_use turn.
func anthropicMessages(msgs []Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	var out []anthropic.MessageParam

	i := 0
	for ; i < len(msgs) && msgs[i].Role == RoleSystem; i++ {
		system = append(system, anthropic.TextBlockParam{Type: "text", Text: msgs[i].Content})
	}
	for ; i < len(msgs); i++ {
		m := msgs[i]
		switch m.Role {
		case RoleTool:
			blocks := []anthropic.ContentBlockParamUnion{
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError),
			}
			for i+1 < len(msgs) && msgs[i+1].Role == RoleTool {
				i++
				next := msgs[i]
				blocks = append(blocks, anthropic.NewToolResultBlock(next.ToolCallID, next.Content, next.IsError))
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil || input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case RoleSystem:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		default:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			if m.ImageB64 != "" {
				blocks = append(blocks, anthropic.NewImageBlockBase64("image/png", m.ImageB64))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		}
	}
	return system, out
}

// anthropicTools converts tool specs. When caching is enabled the last
// schema carries an ephemeral cache hint so the whole tool block is
// cache-eligible across rounds.
func anthropicTools(specs []ToolSpec, caching bool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(specs))
	for i, s := range specs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(s.Parameters, &schema); err != nil {
			schema = anthropic.ToolInputSchemaParam{}
		}
		u := anthropic.ToolUnionParamOfTool(schema, s.Name)
		if u.OfTool == nil {
			continue
		}
		u.OfTool.Description = anthropic.String(s.Description)
		if caching && i == len(specs)-1 {
			u.OfTool.CacheControl = anthropic.CacheControlEphemeralParam{TTL: "1h"}
		}
		out = append(out, u)
	}
	return out
}

// thinkingBudget maps an effort level onto an extended-thinking token
// budget. Zero disables thinking; the budget must leave room for the
// answer inside max_tokens.
func thinkingBudget(e Effort, maxTokens int) int64 {
	var budget int64
	switch e {
	case EffortHigh:
		budget = 4096
	case EffortXHigh:
		budget = 12288
	default:
		return 0
	}
	if int64(maxTokens) <= budget+1024 {
		return 0
	}
	return budget
}

// usageFromAnthropic maps the native usage shape onto the common record.
// Anthropic reports uncached, cache-read, and cache-write input tokens
// separately; prompt_tokens carries their sum.
func usageFromAnthropic(u anthropic.Usage) usage.Usage {
	out := usage.Usage{
		PromptTokens:     u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens,
		CompletionTokens: u.OutputTokens,
		CachedTokens:     u.CacheReadInputTokens,
		CacheWriteTokens: u.CacheCreationInputTokens,
	}
	out.TotalTokens = out.PromptTokens + out.CompletionTokens
	return out
}
