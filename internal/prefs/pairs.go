package prefs

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/repoagent/api/schemas"
	"github.com/xkilldash9x/repoagent/internal/agent"
	"github.com/xkilldash9x/repoagent/internal/llmutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const testSummaryChars = 200

// Selection is the outcome of pair selection over one task's scores.
type Selection struct {
	Preferred         int
	NonPreferred      int
	PreferredScore    Score
	NonPreferredScore Score
	// HasContrast is false when fewer than two scores exist or the best and
	// worst scores are fully tied. No pair is formed in that case.
	HasContrast bool
}

// SelectPair picks the best and worst scores. On equal scores the earliest
// index wins both roles, so the result is deterministic; a full tie between
// best and worst is reported as no contrast rather than resolved.
func SelectPair(scores []Score) Selection {
	if len(scores) < 2 {
		sel := Selection{}
		if len(scores) == 1 {
			sel.PreferredScore, sel.NonPreferredScore = scores[0], scores[0]
		}
		return sel
	}

	best, worst := 0, 0
	for i := 1; i < len(scores); i++ {
		if scores[i].Better(scores[best]) {
			best = i
		}
		if scores[worst].Better(scores[i]) {
			worst = i
		}
	}
	return Selection{
		Preferred:         best,
		NonPreferred:      worst,
		PreferredScore:    scores[best],
		NonPreferredScore: scores[worst],
		HasContrast:       scores[best].Compare(scores[worst]) != 0,
	}
}

// finalContent is the assistant turn recorded for one side of a pair.
type finalContent struct {
	Type       string           `json:"type"`
	Summary    string           `json:"summary"`
	Changes    []schemas.Change `json:"changes"`
	TestResult *finalTest       `json:"test_result,omitempty"`
}

type finalTest struct {
	OK      bool   `json:"ok"`
	Summary string `json:"summary"`
}

// FinalContent renders an outcome as the final JSON object an ideal agent
// would have emitted.
func FinalContent(o schemas.RolloutOutcome) (string, error) {
	fc := finalContent{
		Type:    "final",
		Summary: o.FinalSummary,
		Changes: make([]schemas.Change, 0, len(o.TouchedPaths)),
	}
	for _, p := range o.TouchedPaths {
		fc.Changes = append(fc.Changes, schemas.Change{Path: p, Description: agent.ChangeEditedFile})
	}
	if o.Success != nil {
		summary, _ := llmutil.TruncateRunes(o.TestOutput, testSummaryChars)
		fc.TestResult = &finalTest{OK: *o.Success, Summary: summary}
	}
	b, err := json.Marshal(fc)
	if err != nil {
		return "", fmt.Errorf("failed to encode final content: %w", err)
	}
	return string(b), nil
}

// BuildPair formats a DPO record: the agent system prompt and the bare goal as
// input, each side's final JSON as the assistant output.
func BuildPair(goal string, preferred, nonPreferred schemas.RolloutOutcome) (schemas.PreferencePairRecord, error) {
	pc, err := FinalContent(preferred)
	if err != nil {
		return schemas.PreferencePairRecord{}, err
	}
	nc, err := FinalContent(nonPreferred)
	if err != nil {
		return schemas.PreferencePairRecord{}, err
	}
	return schemas.PreferencePairRecord{
		Input: schemas.PairInput{Messages: []schemas.Message{
			{Role: schemas.RoleSystem, Content: agent.SystemPrompt()},
			{Role: schemas.RoleUser, Content: agent.GoalPrompt(goal)},
		}},
		PreferredOutput:    []schemas.Message{{Role: schemas.RoleAssistant, Content: pc}},
		NonPreferredOutput: []schemas.Message{{Role: schemas.RoleAssistant, Content: nc}},
	}, nil
}
