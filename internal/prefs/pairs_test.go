package prefs

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/repoagent/api/schemas"
	"github.com/xkilldash9x/repoagent/internal/agent"
)

func TestScoreOutcome(t *testing.T) {
	tests := []struct {
		name    string
		success *bool
		primary float64
	}{
		{"passed", schemas.BoolPtr(true), 1.0},
		{"failed", schemas.BoolPtr(false), 0.0},
		{"no tests", nil, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := ScoreOutcome(schemas.RolloutOutcome{Success: tt.success, Steps: 4, ToolCallCount: 3, FilesTouched: 2})
			assert.Equal(t, Score{Primary: tt.primary, Steps: 4, ToolCalls: 3, FilesTouched: 2}, s)
		})
	}
}

func TestScore_Compare(t *testing.T) {
	base := Score{Primary: 1, Steps: 5, ToolCalls: 5, FilesTouched: 5}

	assert.True(t, base.Better(Score{Primary: 0, Steps: 1}))
	assert.True(t, base.Better(Score{Primary: 1, Steps: 6}))
	assert.True(t, base.Better(Score{Primary: 1, Steps: 5, ToolCalls: 6}))
	assert.True(t, base.Better(Score{Primary: 1, Steps: 5, ToolCalls: 5, FilesTouched: 6}))
	assert.False(t, base.Better(base))
	assert.Zero(t, base.Compare(base))
	assert.Positive(t, Score{Primary: 0}.Compare(base))
}

func TestSelectPair_TooFewScores(t *testing.T) {
	assert.False(t, SelectPair(nil).HasContrast)
	assert.False(t, SelectPair([]Score{{Primary: 1}}).HasContrast)
}

func TestSelectPair_PassBeatsFewerSteps(t *testing.T) {
	scores := []Score{
		{Primary: 1, Steps: 5},
		{Primary: 1, Steps: 3},
		{Primary: 0, Steps: 2},
	}
	sel := SelectPair(scores)

	require.True(t, sel.HasContrast)
	assert.Equal(t, 1, sel.Preferred)
	assert.Equal(t, 2, sel.NonPreferred)
	assert.Equal(t, scores[1], sel.PreferredScore)
	assert.Equal(t, scores[2], sel.NonPreferredScore)
}

func TestSelectPair_OrderIndependent(t *testing.T) {
	sel := SelectPair([]Score{{Primary: 0, Steps: 3}, {Primary: 1, Steps: 5}})
	require.True(t, sel.HasContrast)
	assert.Equal(t, 1, sel.Preferred)
	assert.Equal(t, 0, sel.NonPreferred)
}

func TestSelectPair_ContrastFromTieBreakers(t *testing.T) {
	sel := SelectPair([]Score{
		{Primary: 1, Steps: 10, ToolCalls: 20, FilesTouched: 5},
		{Primary: 1, Steps: 3, ToolCalls: 5, FilesTouched: 1},
	})
	require.True(t, sel.HasContrast)
	assert.Equal(t, 1, sel.Preferred)
	assert.Equal(t, 0, sel.NonPreferred)
}

func TestSelectPair_FullTieHasNoContrast(t *testing.T) {
	for _, primary := range []float64{0, 1} {
		s := Score{Primary: primary, Steps: 4, ToolCalls: 4, FilesTouched: 1}
		sel := SelectPair([]Score{s, s, s, s})
		assert.False(t, sel.HasContrast)
	}
}

func TestFinalContent(t *testing.T) {
	content, err := FinalContent(schemas.RolloutOutcome{
		FinalSummary: "Fixed add",
		TouchedPaths: []string{"calc.py"},
		Success:      schemas.BoolPtr(true),
		TestOutput:   "1 passed",
	})
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(content), &got))
	want := map[string]interface{}{
		"type":    "final",
		"summary": "Fixed add",
		"changes": []interface{}{
			map[string]interface{}{"path": "calc.py", "description": agent.ChangeEditedFile},
		},
		"test_result": map[string]interface{}{"ok": true, "summary": "1 passed"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("final content mismatch (-want +got):\n%s", diff)
	}
}

func TestFinalContent_OmitsTestResultWithoutTests(t *testing.T) {
	content, err := FinalContent(schemas.RolloutOutcome{FinalSummary: "gave up"})
	require.NoError(t, err)
	assert.NotContains(t, content, "test_result")
	assert.Contains(t, content, `"changes":[]`)
}

func TestBuildPair_Format(t *testing.T) {
	pair, err := BuildPair("Fix add",
		schemas.RolloutOutcome{FinalSummary: "good", Success: schemas.BoolPtr(true)},
		schemas.RolloutOutcome{FinalSummary: "bad", Success: schemas.BoolPtr(false)},
	)
	require.NoError(t, err)

	require.Len(t, pair.Input.Messages, 2)
	assert.Equal(t, schemas.RoleSystem, pair.Input.Messages[0].Role)
	assert.Equal(t, agent.SystemPrompt(), pair.Input.Messages[0].Content)
	assert.Equal(t, schemas.Message{Role: schemas.RoleUser, Content: "GOAL:\nFix add"}, pair.Input.Messages[1])

	require.Len(t, pair.PreferredOutput, 1)
	require.Len(t, pair.NonPreferredOutput, 1)
	assert.Equal(t, schemas.RoleAssistant, pair.PreferredOutput[0].Role)
	assert.Contains(t, pair.PreferredOutput[0].Content, `"summary":"good"`)
	assert.Contains(t, pair.NonPreferredOutput[0].Content, `"summary":"bad"`)

	raw, err := json.Marshal(pair)
	require.NoError(t, err)
	var top map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &top))
	assert.ElementsMatch(t, []string{"input", "preferred_output", "non_preferred_output"}, keys(top))
}

func keys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
