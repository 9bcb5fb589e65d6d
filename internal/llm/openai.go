package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/ouroboros/internal/usage"
)

// openAICompat speaks the OpenAI-compatible chat-completions protocol.
// It serves openrouter, zai, openai, opencode, and codex; per-provider
// deviations (openrouter routing options, generation-cost lookup) live
// here rather than in the caller.
type openAICompat struct {
	prov        Provider
	client      *openai.Client
	lookup      *http.Client
	lookupDelay time.Duration
}

func newOpenAICompat(p Provider) *openAICompat {
	cfg := openai.DefaultConfig(p.APIKey)
	if p.BaseURL != "" {
		cfg.BaseURL = p.BaseURL
	}
	if p.Name == "openrouter" {
		cfg.HTTPClient = &http.Client{Transport: &routingTransport{base: http.DefaultTransport}}
	}
	return &openAICompat{
		prov:        p,
		client:      openai.NewClientWithConfig(cfg),
		lookup:      &http.Client{Timeout: 10 * time.Second},
		lookupDelay: 500 * time.Millisecond,
	}
}

func (a *openAICompat) chat(ctx context.Context, req Request, model string) (Response, error) {
	oreq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: openAIMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		oreq.MaxTokens = req.MaxTokens
	}
	if a.prov.SupportsEffort && req.Effort != "" && req.Effort != EffortMedium {
		oreq.ReasoningEffort = string(req.Effort)
	}
	if len(req.Tools) > 0 {
		oreq.Tools = openAITools(req.Tools)
	}

	resp, err := a.client.CreateChatCompletion(ctx, oreq)
	if err != nil {
		return Response{}, wrapError(a.prov.Name, model, err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, &CallError{Provider: a.prov.Name, Model: model, Reason: ReasonUnknown, Cause: errors.New("empty choices")}
	}

	msg := resp.Choices[0].Message
	out := Response{
		Content:      msg.Content,
		Provider:     a.prov.Name,
		Model:        req.Model,
		Usage:        usageFromOpenAI(resp.Usage),
		generationID: resp.ID,
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return out, nil
}

// openAIMessages converts the conversation buffer to the wire format.
func openAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{Role: m.Role}
		switch {
		case m.Role == RoleTool:
			om.Content = m.Content
			om.ToolCallID = m.ToolCallID
		case m.Role == RoleAssistant:
			om.Content = m.Content
			for _, tc := range m.ToolCalls {
				om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
					ID:       tc.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
				})
			}
		case m.ImageB64 != "":
			var parts []openai.ChatMessagePart
			if m.Content != "" {
				parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: m.Content})
			}
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    "data:image/png;base64," + m.ImageB64,
					Detail: openai.ImageURLDetailAuto,
				},
			})
			om.MultiContent = parts
		default:
			om.Content = m.Content
		}
		out = append(out, om)
	}
	return out
}

// openAITools converts tool specs to OpenAI function definitions. A spec
// with an unparsable schema degrades to an empty object schema so one
// bad tool cannot poison the whole request.
func openAITools(specs []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, len(specs))
	for i, s := range specs {
		var params map[string]any
		if err := json.Unmarshal(s.Parameters, &params); err != nil || params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

func usageFromOpenAI(u openai.Usage) usage.Usage {
	out := usage.Usage{
		PromptTokens:     int64(u.PromptTokens),
		CompletionTokens: int64(u.CompletionTokens),
		TotalTokens:      int64(u.TotalTokens),
	}
	if u.PromptTokensDetails != nil {
		out.CachedTokens = int64(u.PromptTokensDetails.CachedTokens)
	}
	return out
}

// generationDetail is the shape of the openrouter generation endpoint.
type generationDetail struct {
	Data struct {
		TotalCost float64 `json:"total_cost"`
	} `json:"data"`
}

// generationCost fetches the authoritative cost of a completion from
// openrouter. The cost record lags the completion, so two attempts are
// made with a short pause between them. Failure is non-fatal.
func (a *openAICompat) generationCost(ctx context.Context, id string) (float64, error) {
	endpoint := strings.TrimSuffix(a.prov.BaseURL, "/") + "/generation?id=" + url.QueryEscape(id)
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(a.lookupDelay):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return 0, err
		}
		req.Header.Set("Authorization", "Bearer "+a.prov.APIKey)
		resp, err := a.lookup.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("generation lookup: status %d", resp.StatusCode)
			continue
		}
		var detail generationDetail
		if err := json.Unmarshal(body, &detail); err != nil {
			lastErr = err
			continue
		}
		if detail.Data.TotalCost > 0 {
			return detail.Data.TotalCost, nil
		}
		lastErr = errors.New("generation lookup: cost not ready")
	}
	return 0, lastErr
}

// routingTransport injects openrouter provider-routing options for the
// glm model family: pin the upstream, forbid fallbacks, and require
// strict parameter passing. It also tags requests for dashboard
// attribution.
type routingTransport struct {
	base http.RoundTripper
}

func (t *routingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("X-Title", "ouroboros")
	if req.Method == http.MethodPost && req.Body != nil && strings.HasSuffix(req.URL.Path, "/chat/completions") {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		if patched, ok := injectRouting(body); ok {
			body = patched
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
	}
	return t.base.RoundTrip(req)
}

// injectRouting adds the provider-routing block when the request targets
// a glm model. Returns false when the body is left untouched.
func injectRouting(body []byte) ([]byte, bool) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, false
	}
	model, _ := payload["model"].(string)
	if !strings.HasPrefix(model, "zai/") && !strings.HasPrefix(model, "z-ai/") && !strings.HasPrefix(model, "glm-") {
		return nil, false
	}
	payload["provider"] = map[string]any{
		"order":              []string{"z-ai"},
		"allow_fallbacks":    false,
		"require_parameters": true,
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, false
	}
	return out, true
}
