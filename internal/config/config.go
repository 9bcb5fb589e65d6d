// Package config loads the supervisor configuration from the environment,
// with an optional YAML models file overriding profiles, providers, and
// pricing.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds every knob the supervisor reads at startup. All values come
// from the environment; zero-config startup works with only CHAT_BOT_TOKEN
// set.
type Config struct {
	RuntimeDir string
	RepoDir    string

	ChatBotToken string

	TotalBudgetUSD float64
	MaxWorkers     int

	SoftTimeout time.Duration
	HardTimeout time.Duration

	BranchDev    string
	BranchStable string
	RemoteURL    string

	PollTimeout time.Duration
	LoopSleep   time.Duration
	Heartbeat   time.Duration

	SkipBootstrapReset bool
	DisableAutoRescue  bool

	MaxToolRounds int
	LLMMaxRetries int

	BudgetReportEvery int

	TypingEnabled   bool
	MarkdownEnabled bool

	EvolutionInterval     time.Duration
	ConsciousnessInterval time.Duration

	MetricsAddr  string
	OTELEndpoint string

	ModelsFile  string
	CodeEditCmd string

	LogLevel  string
	LogFormat string
}

// Load reads the configuration from the environment and applies defaults.
// It fails only on malformed values or a missing bot token.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	cfg := &Config{
		RuntimeDir: envStr("RUNTIME_DIR", filepath.Join(cwd, ".runtime")),
		RepoDir:    envStr("REPO_DIR", cwd),

		ChatBotToken: strings.TrimSpace(os.Getenv("CHAT_BOT_TOKEN")),

		BranchDev:    envStr("BRANCH_DEV", "ouroboros"),
		BranchStable: envStr("BRANCH_STABLE", "ouroboros-stable"),

		MetricsAddr:  envStr("METRICS_ADDR", ""),
		OTELEndpoint: envStr("OTEL_ENDPOINT", ""),
		ModelsFile:   envStr("MODELS_FILE", ""),
		CodeEditCmd:  envStr("CODE_EDIT_CMD", ""),

		LogLevel:  envStr("LOG_LEVEL", "info"),
		LogFormat: envStr("LOG_FORMAT", "json"),
	}

	if cfg.ChatBotToken == "" {
		return nil, fmt.Errorf("CHAT_BOT_TOKEN is required")
	}

	if cfg.TotalBudgetUSD, err = envFloat("TOTAL_BUDGET_USD", 50); err != nil {
		return nil, err
	}
	if cfg.MaxWorkers, err = envInt("MAX_WORKERS", 2); err != nil {
		return nil, err
	}
	if cfg.SoftTimeout, err = envSeconds("SOFT_TIMEOUT_SEC", 600*time.Second); err != nil {
		return nil, err
	}
	if cfg.HardTimeout, err = envSeconds("HARD_TIMEOUT_SEC", 1800*time.Second); err != nil {
		return nil, err
	}
	if cfg.PollTimeout, err = envSeconds("POLL_TIMEOUT_SEC", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.LoopSleep, err = envSeconds("LOOP_SLEEP_SEC", 200*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.Heartbeat, err = envSeconds("HEARTBEAT_SEC", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxToolRounds, err = envInt("MAX_TOOL_ROUNDS", 20); err != nil {
		return nil, err
	}
	if cfg.LLMMaxRetries, err = envInt("LLM_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.BudgetReportEvery, err = envInt("BUDGET_REPORT_EVERY", 10); err != nil {
		return nil, err
	}
	if cfg.EvolutionInterval, err = envSeconds("EVOLUTION_INTERVAL_SEC", time.Hour); err != nil {
		return nil, err
	}
	if cfg.ConsciousnessInterval, err = envSeconds("CONSCIOUSNESS_INTERVAL_SEC", 300*time.Second); err != nil {
		return nil, err
	}

	cfg.SkipBootstrapReset = envBool("SKIP_BOOTSTRAP_RESET", true)
	cfg.DisableAutoRescue = envBool("DISABLE_AUTO_RESCUE", false)
	cfg.TypingEnabled = envBool("TYPING_ENABLED", true)
	cfg.MarkdownEnabled = envBool("MARKDOWN_ENABLED", true)

	cfg.RemoteURL = remoteURLFromEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxWorkers < 1 {
		return fmt.Errorf("MAX_WORKERS must be at least 1, got %d", c.MaxWorkers)
	}
	if c.TotalBudgetUSD <= 0 {
		return fmt.Errorf("TOTAL_BUDGET_USD must be positive, got %g", c.TotalBudgetUSD)
	}
	if c.HardTimeout < c.SoftTimeout {
		return fmt.Errorf("HARD_TIMEOUT_SEC (%v) must not be below SOFT_TIMEOUT_SEC (%v)",
			c.HardTimeout, c.SoftTimeout)
	}
	if c.MaxToolRounds < 1 {
		return fmt.Errorf("MAX_TOOL_ROUNDS must be at least 1, got %d", c.MaxToolRounds)
	}
	if c.LLMMaxRetries < 1 {
		return fmt.Errorf("LLM_MAX_RETRIES must be at least 1, got %d", c.LLMMaxRetries)
	}
	return nil
}

// remoteURLFromEnv builds an authenticated push URL when GITHUB_USER,
// GITHUB_REPO, and GITHUB_TOKEN are all present.
func remoteURLFromEnv() string {
	user := strings.TrimSpace(os.Getenv("GITHUB_USER"))
	repo := strings.TrimSpace(os.Getenv("GITHUB_REPO"))
	token := strings.TrimSpace(os.Getenv("GITHUB_TOKEN"))
	if user == "" || repo == "" || token == "" {
		return ""
	}
	return fmt.Sprintf("https://%s@github.com/%s/%s.git", urlQueryEscape(token), user, repo)
}

func urlQueryEscape(s string) string {
	// Conservative percent-encoding for token characters that break URLs.
	replacer := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return replacer.Replace(s)
}

func envStr(name, def string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}

func envInt(name string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", name, v)
	}
	return n, nil
}

func envFloat(name string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", name, v)
	}
	return f, nil
}

// envSeconds parses a (possibly fractional) seconds value into a Duration.
func envSeconds(name string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid seconds value %q", name, v)
	}
	return time.Duration(f * float64(time.Second)), nil
}

func envBool(name string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
