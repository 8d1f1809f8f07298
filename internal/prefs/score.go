// Package prefs turns groups of rollout outcomes into preference pairs.
package prefs

import (
	"github.com/xkilldash9x/repoagent/api/schemas"
)

// Score ranks one rollout. Primary is 1.0 when tests passed and 0.0
// otherwise. Steps, ToolCalls and FilesTouched break ties; lower is better.
type Score struct {
	Primary      float64 `json:"primary"`
	Steps        int     `json:"steps"`
	ToolCalls    int     `json:"tool_calls"`
	FilesTouched int     `json:"files_touched"`
}

// ScoreOutcome computes the score of o. A missing test result counts as a failure.
func ScoreOutcome(o schemas.RolloutOutcome) Score {
	primary := 0.0
	if o.Passed() {
		primary = 1.0
	}
	return Score{
		Primary:      primary,
		Steps:        o.Steps,
		ToolCalls:    o.ToolCallCount,
		FilesTouched: o.FilesTouched,
	}
}

// Compare orders scores best first: it returns a negative number when s
// ranks ahead of other, positive when behind, and zero on a full tie.
func (s Score) Compare(other Score) int {
	switch {
	case s.Primary != other.Primary:
		if s.Primary > other.Primary {
			return -1
		}
		return 1
	case s.Steps != other.Steps:
		return s.Steps - other.Steps
	case s.ToolCalls != other.ToolCalls:
		return s.ToolCalls - other.ToolCalls
	default:
		return s.FilesTouched - other.FilesTouched
	}
}

// Better reports whether s strictly outranks other.
func (s Score) Better(other Score) bool { return s.Compare(other) < 0 }
