package usage

import (
	"math"
	"testing"
)

func TestUsage_Total(t *testing.T) {
	u := &Usage{PromptTokens: 100, CompletionTokens: 200}
	if u.Total() != 300 {
		t.Errorf("Total() = %d, want 300", u.Total())
	}

	reported := &Usage{PromptTokens: 100, CompletionTokens: 200, TotalTokens: 350}
	if reported.Total() != 350 {
		t.Errorf("Total() = %d, want reported 350", reported.Total())
	}
}

func TestUsage_Add(t *testing.T) {
	u1 := &Usage{PromptTokens: 100, CompletionTokens: 200, CostUSD: 0.01}
	u2 := &Usage{PromptTokens: 50, CompletionTokens: 75, CachedTokens: 20, CostUSD: 0.02}

	u1.Add(u2)

	if u1.PromptTokens != 150 {
		t.Errorf("PromptTokens = %d, want 150", u1.PromptTokens)
	}
	if u1.CompletionTokens != 275 {
		t.Errorf("CompletionTokens = %d, want 275", u1.CompletionTokens)
	}
	if u1.CachedTokens != 20 {
		t.Errorf("CachedTokens = %d, want 20", u1.CachedTokens)
	}
	if math.Abs(u1.CostUSD-0.03) > 1e-9 {
		t.Errorf("CostUSD = %f, want 0.03", u1.CostUSD)
	}
}

func TestUsage_AddNil(t *testing.T) {
	u := &Usage{PromptTokens: 100}
	u.Add(nil)
	if u.PromptTokens != 100 {
		t.Error("adding nil should not change usage")
	}
}

func TestUsage_CacheHitPct(t *testing.T) {
	tests := []struct {
		name string
		u    Usage
		want float64
	}{
		{"no prompt tokens", Usage{}, 0},
		{"half cached", Usage{PromptTokens: 200, CachedTokens: 100}, 50},
		{"all cached", Usage{PromptTokens: 100, CachedTokens: 100}, 100},
		{"over-report clamped", Usage{PromptTokens: 100, CachedTokens: 150}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.u.CacheHitPct(); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CacheHitPct() = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestCost_Estimate(t *testing.T) {
	cost := Cost{Prompt: 3.0, CachedPrompt: 0.3, Completion: 15.0}

	u := &Usage{PromptTokens: 1000, CompletionTokens: 500, CachedTokens: 400}

	// 600 uncached * 3 + 400 cached * 0.3 + 500 completion * 15, per million.
	want := (600*3.0 + 400*0.3 + 500*15.0) / 1_000_000
	if got := cost.Estimate(u); math.Abs(got-want) > 1e-12 {
		t.Errorf("Estimate() = %f, want %f", got, want)
	}

	if got := cost.Estimate(nil); got != 0 {
		t.Errorf("Estimate(nil) = %f, want 0", got)
	}
}

func TestPricingFor(t *testing.T) {
	tests := []struct {
		name  string
		model string
		want  Cost
	}{
		{"exact", "zai/glm-4.7", Cost{Prompt: 0.6, CachedPrompt: 0.11, Completion: 2.2}},
		{"bare id", "glm-4.7-flashx", Cost{Prompt: 0.1, CachedPrompt: 0.02, Completion: 0.4}},
		{"foreign prefix", "openrouter/claude-opus-4.6", Cost{Prompt: 5.0, CachedPrompt: 0.5, Completion: 25.0}},
		{"unknown", "nobody/mystery-model", defaultCost},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PricingFor(tt.model); got != tt.want {
				t.Errorf("PricingFor(%q) = %+v, want %+v", tt.model, got, tt.want)
			}
		})
	}
}

func TestFormatTokenCount(t *testing.T) {
	tests := []struct {
		count int64
		want  string
	}{
		{0, "0"},
		{-5, "0"},
		{999, "999"},
		{1500, "1.5k"},
		{25000, "25k"},
		{2_500_000, "2.5m"},
	}
	for _, tt := range tests {
		if got := FormatTokenCount(tt.count); got != tt.want {
			t.Errorf("FormatTokenCount(%d) = %q, want %q", tt.count, got, tt.want)
		}
	}
}

func TestFormatUSD(t *testing.T) {
	tests := []struct {
		amount float64
		want   string
	}{
		{0, "$0.00"},
		{-1, "$0.00"},
		{0.005, "$0.0050"},
		{0.5, "$0.50"},
		{12.345, "$12.35"},
	}
	for _, tt := range tests {
		if got := FormatUSD(tt.amount); got != tt.want {
			t.Errorf("FormatUSD(%f) = %q, want %q", tt.amount, got, tt.want)
		}
	}
}
