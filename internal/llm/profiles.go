package llm

import (
	"strings"

	"github.com/haasonsaas/ouroboros/internal/config"
)

// Profile binds a model id, a reasoning-effort floor, and an output
// token cap to a named class of work.
type Profile struct {
	Name      string
	Model     string
	Effort    Effort
	MaxTokens int
}

// DefaultProfiles returns the built-in profile set. A models file may
// override individual fields per profile.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		"default":       {Name: "default", Model: "zai/glm-4.7", Effort: EffortMedium, MaxTokens: 8192},
		"light":         {Name: "light", Model: "zai/glm-4.7-flashx", Effort: EffortLow, MaxTokens: 4096},
		"code_task":     {Name: "code_task", Model: "zai/glm-4.7", Effort: EffortHigh, MaxTokens: 16384},
		"analysis":      {Name: "analysis", Model: "anthropic/claude-opus-4.6", Effort: EffortHigh, MaxTokens: 16384},
		"consciousness": {Name: "consciousness", Model: "zai/glm-4.7-flashx", Effort: EffortLow, MaxTokens: 2048},
	}
}

// LoadProfiles merges models-file overrides onto the defaults. Unknown
// profile names in the override create new entries.
func LoadProfiles(ov *config.ModelsOverride) map[string]Profile {
	profiles := DefaultProfiles()
	if ov == nil {
		return profiles
	}
	for name, po := range ov.Profiles {
		p, ok := profiles[name]
		if !ok {
			p = profiles["default"]
			p.Name = name
		}
		if po.Model != "" {
			p.Model = po.Model
		}
		if po.Effort != "" {
			p.Effort = NormalizeEffort(po.Effort)
		}
		if po.MaxTokens > 0 {
			p.MaxTokens = po.MaxTokens
		}
		profiles[name] = p
	}
	return profiles
}

// ProfileForTaskType maps a task type onto a profile name.
func ProfileForTaskType(taskType string) string {
	switch strings.ToLower(taskType) {
	case "analysis", "review":
		return "analysis"
	case "code":
		return "code_task"
	case "consciousness":
		return "consciousness"
	default:
		return "default"
	}
}
