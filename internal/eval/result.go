package eval

import (
	"github.com/xkilldash9x/repoagent/api/schemas"
)

// TaskResult is the per-run record stored in an eval report.
type TaskResult struct {
	TaskID          string                 `json:"task_id"`
	RunID           string                 `json:"run_id"`
	RolloutIndex    int                    `json:"rollout_index"`
	Seed            int                    `json:"seed"`
	Success         *bool                  `json:"success"`
	Steps           int                    `json:"steps"`
	ToolCalls       int                    `json:"tool_calls"`
	FilesTouched    []string               `json:"files_touched"`
	Error           string                 `json:"error,omitempty"`
	DurationS       float64                `json:"duration_s"`
	FinalSummary    string                 `json:"final_summary"`
	TestOutput      string                 `json:"test_output"`
	Metadata        map[string]interface{} `json:"metadata"`
	ReflectionCount int                    `json:"reflection_count"`
	LoopDetections  int                    `json:"loop_detections"`
	ParseErrors     int                    `json:"parse_errors"`
	TestRuns        int                    `json:"test_runs"`
	ToolBreakdown   map[string]int         `json:"tool_breakdown"`
	TracePath       string                 `json:"trace_path,omitempty"`
}

// FromOutcome converts a rollout outcome into a report row.
func FromOutcome(o schemas.RolloutOutcome) TaskResult {
	r := TaskResult{
		TaskID:          o.TaskID,
		RunID:           o.RunID,
		RolloutIndex:    o.RolloutIndex,
		Seed:            o.Seed,
		Success:         o.Success,
		Steps:           o.Steps,
		ToolCalls:       o.ToolCallCount,
		FilesTouched:    o.TouchedPaths,
		Error:           o.Error,
		DurationS:       o.DurationS,
		FinalSummary:    o.FinalSummary,
		TestOutput:      o.TestOutput,
		Metadata:        o.Metadata,
		ReflectionCount: o.ReflectionCount,
		LoopDetections:  o.LoopDetections,
		ParseErrors:     o.ParseErrors,
		TestRuns:        o.TestRuns,
		ToolBreakdown:   o.ToolBreakdown,
		TracePath:       o.TracePath,
	}
	if r.FilesTouched == nil {
		r.FilesTouched = []string{}
	}
	if r.Metadata == nil {
		r.Metadata = map[string]interface{}{}
	}
	if r.ToolBreakdown == nil {
		r.ToolBreakdown = map[string]int{}
	}
	return r
}

// Category returns metadata["category"], or "uncategorized".
func (r TaskResult) Category() string {
	if c, ok := r.Metadata["category"].(string); ok && c != "" {
		return c
	}
	return "uncategorized"
}
