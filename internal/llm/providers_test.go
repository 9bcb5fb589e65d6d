package llm

import (
	"errors"
	"testing"

	"github.com/haasonsaas/ouroboros/internal/config"
)

func testRegistry() *Registry {
	return NewRegistry(
		Provider{Name: "openrouter", APIKey: "or-key", BaseURL: "https://openrouter.ai/api/v1"},
		Provider{Name: "zai", APIKey: "zai-key", BareModelIDs: true},
		Provider{Name: "anthropic", APIKey: "ant-key", BareModelIDs: true},
		Provider{Name: "openai", APIKey: "oai-key", BareModelIDs: true},
	)
}

func TestResolve(t *testing.T) {
	reg := testRegistry()

	tests := []struct {
		name         string
		model        string
		preference   string
		wantProvider string
		wantModel    string
	}{
		{
			name:         "anthropic prefix strips vendor",
			model:        "anthropic/claude-opus-4.6",
			wantProvider: "anthropic",
			wantModel:    "claude-opus-4.6",
		},
		{
			name:         "zai prefix strips vendor",
			model:        "zai/glm-4.7",
			wantProvider: "zai",
			wantModel:    "glm-4.7",
		},
		{
			name:         "bare glm id routes to zai",
			model:        "glm-4.7-flashx",
			wantProvider: "zai",
			wantModel:    "glm-4.7-flashx",
		},
		{
			name:         "google prefix rides openrouter with full id",
			model:        "google/gemini-3-pro",
			wantProvider: "openrouter",
			wantModel:    "google/gemini-3-pro",
		},
		{
			name:         "gpt family routes to openai",
			model:        "gpt-5.2",
			wantProvider: "openai",
			wantModel:    "gpt-5.2",
		},
		{
			name:         "o3 family routes to openai",
			model:        "o3-pro",
			wantProvider: "openai",
			wantModel:    "o3-pro",
		},
		{
			name:         "unknown model falls back to active",
			model:        "mystery-model-9000",
			wantProvider: "openrouter",
			wantModel:    "mystery-model-9000",
		},
		{
			name:         "preference overrides prefix",
			model:        "anthropic/claude-opus-4.6",
			preference:   "openrouter",
			wantProvider: "openrouter",
			wantModel:    "anthropic/claude-opus-4.6",
		},
		{
			name:         "unconfigured preference is ignored",
			model:        "zai/glm-4.7",
			preference:   "codex",
			wantProvider: "zai",
			wantModel:    "glm-4.7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prov, model, err := reg.Resolve(tt.model, tt.preference)
			if err != nil {
				t.Fatalf("Resolve(%q) error: %v", tt.model, err)
			}
			if prov.Name != tt.wantProvider {
				t.Errorf("provider = %q, want %q", prov.Name, tt.wantProvider)
			}
			if model != tt.wantModel {
				t.Errorf("model = %q, want %q", model, tt.wantModel)
			}
		})
	}
}

func TestResolvePrefixProviderNotConfigured(t *testing.T) {
	reg := NewRegistry(
		Provider{Name: "openrouter", APIKey: "or-key"},
	)
	prov, model, err := reg.Resolve("zai/glm-4.7", "")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if prov.Name != "openrouter" {
		t.Errorf("provider = %q, want openrouter fallback", prov.Name)
	}
	if model != "zai/glm-4.7" {
		t.Errorf("model = %q, want full id preserved", model)
	}
}

func TestResolveNoProviders(t *testing.T) {
	reg := NewRegistry()
	_, _, err := reg.Resolve("zai/glm-4.7", "")
	if !errors.Is(err, ErrNoProviders) {
		t.Fatalf("err = %v, want ErrNoProviders", err)
	}
}

func TestLoadRegistry(t *testing.T) {
	for _, d := range providerDefaults {
		t.Setenv(d.keyEnv, "")
		if d.baseURLEnv != "" {
			t.Setenv(d.baseURLEnv, "")
		}
	}
	t.Setenv("ZAI_API_KEY", "zai-secret")
	t.Setenv("ZAI_BASE_URL", "https://zai.example/v4")
	t.Setenv("ANTHROPIC_API_KEY", "ant-secret")

	reg := LoadRegistry(nil)
	if reg.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", reg.Len())
	}
	if reg.Active() != "zai" {
		t.Errorf("Active() = %q, want zai (first configured in fallback order)", reg.Active())
	}
	zai, ok := reg.Provider("zai")
	if !ok {
		t.Fatal("zai provider missing")
	}
	if zai.BaseURL != "https://zai.example/v4" {
		t.Errorf("zai BaseURL = %q, want env override", zai.BaseURL)
	}
	if zai.SupportsEffort {
		t.Error("zai should not support reasoning effort by default")
	}
	if _, ok := reg.Provider("openrouter"); ok {
		t.Error("openrouter configured without a key")
	}
}

func TestLoadRegistryOverrides(t *testing.T) {
	for _, d := range providerDefaults {
		t.Setenv(d.keyEnv, "")
		if d.baseURLEnv != "" {
			t.Setenv(d.baseURLEnv, "")
		}
	}
	t.Setenv("CUSTOM_ZAI_KEY", "alt-secret")
	t.Setenv("ZAI_BASE_URL", "https://ignored.example")

	yes := true
	reg := LoadRegistry(&config.ModelsOverride{
		Providers: map[string]config.ProviderOverride{
			"zai": {
				APIKeyEnv:       "CUSTOM_ZAI_KEY",
				BaseURL:         "https://pinned.example/v4",
				ReasoningEffort: &yes,
			},
		},
	})

	zai, ok := reg.Provider("zai")
	if !ok {
		t.Fatal("zai provider missing after override")
	}
	if zai.APIKey != "alt-secret" {
		t.Errorf("APIKey = %q, want value from CUSTOM_ZAI_KEY", zai.APIKey)
	}
	if zai.BaseURL != "https://pinned.example/v4" {
		t.Errorf("BaseURL = %q, want pinned override to beat env", zai.BaseURL)
	}
	if !zai.SupportsEffort {
		t.Error("override should enable reasoning effort")
	}
}
