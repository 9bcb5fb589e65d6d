package usage

import "strings"

// pricing is the static rate table, per million tokens (prompt,
// cached-prompt, completion). Entries may be overridden from the models
// file at startup; stale rates only drift accounting, never correctness.
var pricing = map[string]Cost{
	"anthropic/claude-opus-4.6":   {Prompt: 5.0, CachedPrompt: 0.5, Completion: 25.0},
	"anthropic/claude-sonnet-4.5": {Prompt: 3.0, CachedPrompt: 0.3, Completion: 15.0},
	"openai/gpt-5.2":              {Prompt: 1.75, CachedPrompt: 0.175, Completion: 14.0},
	"zai/glm-4.7":                 {Prompt: 0.6, CachedPrompt: 0.11, Completion: 2.2},
	"zai/glm-4.7-flashx":          {Prompt: 0.1, CachedPrompt: 0.02, Completion: 0.4},
	"zai/glm-5":                   {Prompt: 1.0, CachedPrompt: 0.2, Completion: 3.2},
	"google/gemini-3-pro":         {Prompt: 2.0, CachedPrompt: 0.2, Completion: 12.0},
}

// defaultCost covers models absent from the table.
var defaultCost = Cost{Prompt: 1.0, CachedPrompt: 0.1, Completion: 4.0}

// PricingFor returns the rate entry for a model id. Lookup tries the exact
// id, then the bare id with any provider prefix stripped, then falls back
// to the default rates.
func PricingFor(model string) Cost {
	if c, ok := pricing[model]; ok {
		return c
	}
	bare := model
	if i := strings.Index(bare, "/"); i >= 0 {
		bare = bare[i+1:]
	}
	for id, c := range pricing {
		if id[strings.Index(id, "/")+1:] == bare {
			return c
		}
	}
	return defaultCost
}

// SetPricing replaces or adds a rate entry. Called once at startup when a
// models file carries overrides; not safe for concurrent use afterwards.
func SetPricing(model string, c Cost) {
	pricing[model] = c
}

// CostFor estimates the dollar cost of usage under the model's rates.
func CostFor(model string, u *Usage) float64 {
	return PricingFor(model).Estimate(u)
}
