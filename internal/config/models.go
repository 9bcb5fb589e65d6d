package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/ouroboros/internal/usage"
)

// ModelsOverride is the optional MODELS_FILE document. Every section is
// optional; absent entries keep their built-in defaults.
type ModelsOverride struct {
	Profiles  map[string]ProfileOverride  `yaml:"profiles"`
	Providers map[string]ProviderOverride `yaml:"providers"`
	Pricing   map[string]usage.Cost       `yaml:"pricing"`
}

// ProfileOverride adjusts one model profile.
type ProfileOverride struct {
	Model     string `yaml:"model"`
	Effort    string `yaml:"effort"`
	MaxTokens int    `yaml:"max_tokens"`
}

// ProviderOverride adjusts one provider entry.
type ProviderOverride struct {
	BaseURL         string `yaml:"base_url"`
	APIKeyEnv       string `yaml:"api_key_env"`
	ReasoningEffort *bool  `yaml:"reasoning_effort"`
	PromptCaching   *bool  `yaml:"prompt_caching"`
}

// LoadModels reads and parses the models override file. An empty path
// returns an empty override.
func LoadModels(path string) (*ModelsOverride, error) {
	if path == "" {
		return &ModelsOverride{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read models file: %w", err)
	}
	var o ModelsOverride
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parse models file %s: %w", path, err)
	}
	return &o, nil
}
