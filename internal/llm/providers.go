package llm

import (
	"errors"
	"os"
	"strings"

	"github.com/haasonsaas/ouroboros/internal/config"
)

// Provider is one configured LLM backend.
type Provider struct {
	Name    string
	APIKey  string
	BaseURL string

	// SupportsEffort marks providers whose API accepts reasoning-effort
	// metadata; others silently drop it.
	SupportsEffort bool

	// SupportsCaching marks providers that honor prompt-cache hints.
	SupportsCaching bool

	// BareModelIDs marks providers that expect model ids without the
	// vendor prefix (zai/glm-4.7 is sent as glm-4.7).
	BareModelIDs bool
}

// ErrNoProviders is returned when no provider key is configured.
var ErrNoProviders = errors.New("llm: no providers configured")

// fallbackOrder is the fixed preference order used when neither the
// environment selector nor the model prefix picks a provider.
var fallbackOrder = []string{"openrouter", "zai", "anthropic", "openai", "opencode", "codex"}

// prefixRules map model-id prefixes onto their canonical provider.
// Slash-delimited vendor prefixes come before bare-id families.
var prefixRules = []struct {
	prefix   string
	provider string
}{
	{"anthropic/", "anthropic"},
	{"openai/", "openai"},
	{"google/", "openrouter"},
	{"zai/", "zai"},
	{"opencode/", "opencode"},
	{"codex/", "codex"},
	{"glm-", "zai"},
	{"o3", "openai"},
	{"o4", "openai"},
	{"gpt-", "openai"},
}

// providerDefaults describes every provider the runtime knows how to
// speak to. Only entries whose key env var is set become configured.
var providerDefaults = []struct {
	name            string
	keyEnv          string
	baseURLEnv      string
	baseURL         string
	supportsEffort  bool
	supportsCaching bool
	bareModelIDs    bool
}{
	{"openrouter", "OPENROUTER_API_KEY", "", "https://openrouter.ai/api/v1", true, true, false},
	{"zai", "ZAI_API_KEY", "ZAI_BASE_URL", "https://api.z.ai/api/coding/paas/v4", false, true, true},
	{"anthropic", "ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL", "", true, true, true},
	{"openai", "OPENAI_API_KEY", "", "https://api.openai.com/v1", true, false, true},
	{"opencode", "OPENCODE_API_KEY", "OPENCODE_BASE_URL", "https://opencode.ai/zen/v1", true, false, true},
	{"codex", "CODEX_API_KEY", "CODEX_BASE_URL", "", true, false, true},
}

// Registry holds the configured providers and the active default.
type Registry struct {
	providers map[string]Provider
	active    string
}

// LoadRegistry builds the provider registry from the environment,
// applying any models-file overrides. Providers without an API key are
// skipped. The active provider is openrouter when configured, otherwise
// the first configured provider in fallback order.
func LoadRegistry(ov *config.ModelsOverride) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, d := range providerDefaults {
		p := Provider{
			Name:            d.name,
			BaseURL:         d.baseURL,
			SupportsEffort:  d.supportsEffort,
			SupportsCaching: d.supportsCaching,
			BareModelIDs:    d.bareModelIDs,
		}
		keyEnv := d.keyEnv
		pinnedBase := false
		if ov != nil {
			if po, ok := ov.Providers[d.name]; ok {
				if po.APIKeyEnv != "" {
					keyEnv = po.APIKeyEnv
				}
				if po.BaseURL != "" {
					p.BaseURL = po.BaseURL
					pinnedBase = true
				}
				if po.ReasoningEffort != nil {
					p.SupportsEffort = *po.ReasoningEffort
				}
				if po.PromptCaching != nil {
					p.SupportsCaching = *po.PromptCaching
				}
			}
		}
		p.APIKey = os.Getenv(keyEnv)
		if p.APIKey == "" {
			continue
		}
		if !pinnedBase && d.baseURLEnv != "" {
			if v := os.Getenv(d.baseURLEnv); v != "" {
				p.BaseURL = v
			}
		}
		r.providers[p.Name] = p
	}
	for _, name := range fallbackOrder {
		if _, ok := r.providers[name]; ok {
			r.active = name
			break
		}
	}
	return r
}

// NewRegistry builds a registry from explicit providers, for tests and
// embedding. The first provider in fallback order becomes active.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name] = p
	}
	for _, name := range fallbackOrder {
		if _, ok := r.providers[name]; ok {
			r.active = name
			break
		}
	}
	return r
}

// Active returns the name of the active provider, empty when none are
// configured.
func (r *Registry) Active() string { return r.active }

// Len returns the number of configured providers.
func (r *Registry) Len() int { return len(r.providers) }

// Provider returns a configured provider by name.
func (r *Registry) Provider(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Resolve picks the provider for a model id and returns the model id to
// send on the wire. Resolution order: the preference selector when that
// provider is configured, then the model-id prefix, then the fixed
// fallback order. Unknown models route to the active provider rather
// than failing.
func (r *Registry) Resolve(model, preference string) (Provider, string, error) {
	if len(r.providers) == 0 {
		return Provider{}, "", ErrNoProviders
	}
	if preference != "" {
		if p, ok := r.providers[preference]; ok {
			return p, sendModel(p, model), nil
		}
	}
	for _, rule := range prefixRules {
		if strings.HasPrefix(model, rule.prefix) {
			if p, ok := r.providers[rule.provider]; ok {
				return p, sendModel(p, model), nil
			}
			break
		}
	}
	p := r.providers[r.active]
	return p, sendModel(p, model), nil
}

// sendModel strips the vendor prefix for providers that expect bare ids.
func sendModel(p Provider, model string) string {
	if !p.BareModelIDs {
		return model
	}
	if i := strings.Index(model, "/"); i >= 0 {
		return model[i+1:]
	}
	return model
}
