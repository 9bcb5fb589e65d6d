// Package usage provides token usage accounting, cost estimation, and formatting.
package usage

import (
	"fmt"
	"math"
)

// Usage represents token usage for a single LLM round or an accumulated task.
type Usage struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CachedTokens     int64   `json:"cached_tokens,omitempty"`
	CacheWriteTokens int64   `json:"cache_write_tokens,omitempty"`
	TotalTokens      int64   `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Total returns prompt plus completion tokens, preferring the provider's
// own total when it was reported.
func (u *Usage) Total() int64 {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

// Add accumulates another usage record into this one.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.CachedTokens += other.CachedTokens
	u.CacheWriteTokens += other.CacheWriteTokens
	u.TotalTokens += other.Total()
	u.CostUSD += other.CostUSD
}

// CacheHitPct returns the share of prompt tokens served from cache, 0-100.
func (u *Usage) CacheHitPct() float64 {
	if u.PromptTokens <= 0 {
		return 0
	}
	pct := float64(u.CachedTokens) / float64(u.PromptTokens) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// Cost holds per-million-token rates for a model.
type Cost struct {
	Prompt       float64 `json:"prompt" yaml:"prompt"`
	CachedPrompt float64 `json:"cached_prompt" yaml:"cached_prompt"`
	Completion   float64 `json:"completion" yaml:"completion"`
}

// Estimate calculates the dollar cost of the given usage. Cached prompt
// tokens are billed at the cached rate; the remainder at the full rate.
func (c Cost) Estimate(u *Usage) float64 {
	if u == nil {
		return 0
	}
	cached := u.CachedTokens
	if cached > u.PromptTokens {
		cached = u.PromptTokens
	}
	uncached := u.PromptTokens - cached
	total := float64(uncached)*c.Prompt +
		float64(cached)*c.CachedPrompt +
		float64(u.CompletionTokens)*c.Completion
	return total / 1_000_000
}

// FormatTokenCount formats a token count for display.
func FormatTokenCount(count int64) string {
	if count <= 0 {
		return "0"
	}
	if count >= 1_000_000 {
		return fmt.Sprintf("%.1fm", float64(count)/1_000_000)
	}
	if count >= 10_000 {
		return fmt.Sprintf("%dk", count/1_000)
	}
	if count >= 1_000 {
		return fmt.Sprintf("%.1fk", float64(count)/1_000)
	}
	return fmt.Sprintf("%d", count)
}

// FormatUSD formats a dollar amount for display.
func FormatUSD(amount float64) string {
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return "$0.00"
	}
	if amount >= 0.01 || amount == 0 {
		return fmt.Sprintf("$%.2f", amount)
	}
	return fmt.Sprintf("$%.4f", amount)
}
