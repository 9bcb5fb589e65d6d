package llm

// Effort is a reasoning-effort level passed through to providers that
// honor it. Levels are ordered; escalation never lowers a level.
type Effort string

const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
	EffortXHigh  Effort = "xhigh"
)

// NormalizeEffort maps an arbitrary string onto a valid effort level.
// Unknown values fall back to medium.
func NormalizeEffort(s string) Effort {
	switch Effort(s) {
	case EffortLow, EffortMedium, EffortHigh, EffortXHigh:
		return Effort(s)
	default:
		return EffortMedium
	}
}

// Rank returns the numeric ordering of an effort level. Unknown levels
// rank as medium.
func (e Effort) Rank() int {
	switch e {
	case EffortLow:
		return 0
	case EffortMedium:
		return 1
	case EffortHigh:
		return 2
	case EffortXHigh:
		return 3
	default:
		return 1
	}
}

// MaxEffort returns the higher-ranked of two effort levels.
func MaxEffort(a, b Effort) Effort {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
