package llm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/ouroboros/internal/observability"
	"github.com/haasonsaas/ouroboros/internal/usage"
)

// chatAdapter is the wire-level contract implemented per provider.
type chatAdapter interface {
	chat(ctx context.Context, req Request, model string) (Response, error)
}

// Client routes chat and vision calls to configured providers and fills
// in cost accounting. It does not retry; retry policy belongs to the
// caller driving the loop.
type Client struct {
	registry   *Registry
	profiles   map[string]Profile
	preference string
	logger     *slog.Logger
	metrics    *observability.Metrics

	mu       sync.Mutex
	adapters map[string]chatAdapter
}

// Options configures a Client.
type Options struct {
	Registry *Registry
	Profiles map[string]Profile

	// Preference forces all calls to one provider when it is configured
	// (the OUROBOROS_PROVIDER selector).
	Preference string

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// NewClient builds a Client. Nil profiles fall back to the defaults.
func NewClient(opts Options) *Client {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Profiles == nil {
		opts.Profiles = DefaultProfiles()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		registry:   opts.Registry,
		profiles:   opts.Profiles,
		preference: opts.Preference,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		adapters:   make(map[string]chatAdapter),
	}
}

// Profile returns a named profile, falling back to default.
func (c *Client) Profile(name string) Profile {
	if p, ok := c.profiles[name]; ok {
		return p
	}
	return c.profiles["default"]
}

// ProfileForTask selects the profile for a task type.
func (c *Client) ProfileForTask(taskType string) Profile {
	return c.Profile(ProfileForTaskType(taskType))
}

// Chat routes one completion request. The returned usage always carries
// a cost: inline when the provider reports one, from the openrouter
// generation lookup when available, otherwise estimated from the static
// rate table.
func (c *Client) Chat(ctx context.Context, req Request) (Response, error) {
	prov, model, err := c.registry.Resolve(req.Model, c.preference)
	if err != nil {
		return Response{}, err
	}

	start := time.Now()
	resp, err := c.adapterFor(prov).chat(ctx, req, model)
	elapsed := time.Since(start)

	if c.metrics != nil {
		c.metrics.LLMRequestDuration.WithLabelValues(prov.Name, req.Model).Observe(elapsed.Seconds())
	}
	if err != nil {
		c.logger.Warn("llm call failed",
			"provider", prov.Name,
			"model", req.Model,
			"elapsed", elapsed,
			"error", err)
		return Response{}, err
	}

	c.fillCost(ctx, prov, &resp)
	if c.metrics != nil {
		c.metrics.LLMTokens.WithLabelValues(prov.Name, req.Model, "prompt").Add(float64(resp.Usage.PromptTokens))
		c.metrics.LLMTokens.WithLabelValues(prov.Name, req.Model, "completion").Add(float64(resp.Usage.CompletionTokens))
		c.metrics.LLMTokens.WithLabelValues(prov.Name, req.Model, "cached").Add(float64(resp.Usage.CachedTokens))
	}
	c.logger.Debug("llm call",
		"provider", prov.Name,
		"model", req.Model,
		"elapsed", elapsed,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"cached_tokens", resp.Usage.CachedTokens,
		"cost_usd", resp.Usage.CostUSD,
		"tool_calls", len(resp.ToolCalls))
	return resp, nil
}

// Vision asks a vision-capable model to describe an image. The prompt
// and inline PNG travel as a single user turn; reasoning effort is not
// sent because vision models reject it.
func (c *Client) Vision(ctx context.Context, imageB64, prompt, model string, maxTokens int) (string, usage.Usage, error) {
	if model == "" {
		model = c.Profile("default").Model
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	resp, err := c.Chat(ctx, Request{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  []Message{{Role: RoleUser, Content: prompt, ImageB64: imageB64}},
	})
	if err != nil {
		return "", usage.Usage{}, err
	}
	return resp.Content, resp.Usage, nil
}

// fillCost resolves the dollar cost of a completed call.
func (c *Client) fillCost(ctx context.Context, prov Provider, resp *Response) {
	if resp.Usage.CostUSD > 0 {
		return
	}
	if prov.Name == "openrouter" && resp.generationID != "" {
		if a, ok := c.adapterFor(prov).(*openAICompat); ok {
			if cost, err := a.generationCost(ctx, resp.generationID); err == nil && cost > 0 {
				resp.Usage.CostUSD = cost
				return
			} else if err != nil {
				c.logger.Debug("generation cost lookup failed", "error", err)
			}
		}
	}
	resp.Usage.CostUSD = usage.CostFor(resp.Model, &resp.Usage)
}

func (c *Client) adapterFor(p Provider) chatAdapter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.adapters[p.Name]; ok {
		return a
	}
	var a chatAdapter
	if p.Name == "anthropic" {
		a = newAnthropicAdapter(p)
	} else {
		a = newOpenAICompat(p)
	}
	c.adapters[p.Name] = a
	return a
}
