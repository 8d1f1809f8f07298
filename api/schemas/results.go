package schemas

// -- Run Results --

// TerminalState is how a driver run ended.
type TerminalState string

const (
	// StateTerminated means the model emitted an accepted final action.
	StateTerminated TerminalState = "terminated"
	// StateAborted means the iteration bound was reached and the result was synthesized.
	StateAborted TerminalState = "aborted"
)

// Change is one file edit reported in a final result.
type Change struct {
	Path        string `json:"path"`
	Description string `json:"description"`
}

// TestResult is the short test summary attached to a final result.
type TestResult struct {
	OK            bool   `json:"ok"`
	Summary       string `json:"summary"`
	OutputSnippet string `json:"output_snippet"`
}

// FinalResult is the structured terminal record every run produces.
type FinalResult struct {
	Type       string        `json:"type"`
	Summary    string        `json:"summary"`
	Changes    []Change      `json:"changes"`
	Thought    string        `json:"thought,omitempty"`
	TestResult *TestResult   `json:"test_result,omitempty"`
	State      TerminalState `json:"state"`
}

// RunStats are counters accumulated by the driver over one run.
type RunStats struct {
	Steps          int            `json:"steps"`
	ToolCalls      int            `json:"tool_calls"`
	ParseErrors    int            `json:"parse_errors"`
	Reflections    int            `json:"reflections"`
	LoopDetections int            `json:"loop_detections"`
	TestRuns       int            `json:"test_runs"`
	ToolBreakdown  map[string]int `json:"tool_breakdown"`
}

// RunResult couples the final record with the stats and touched files of a run.
type RunResult struct {
	RunID        string      `json:"run_id"`
	Final        FinalResult `json:"final"`
	Stats        RunStats    `json:"stats"`
	FilesTouched []string    `json:"files_touched"`
}

// -- Rollout Outcomes --

// RolloutOutcome is the immutable record of one work unit. Success is nil when
// no test result exists or the unit failed before producing one.
type RolloutOutcome struct {
	TaskID          string                 `json:"task_id"`
	RunID           string                 `json:"run_id"`
	RolloutIndex    int                    `json:"rollout_index"`
	Seed            int                    `json:"seed"`
	Temperature     float32                `json:"temperature"`
	Success         *bool                  `json:"success"`
	Steps           int                    `json:"steps"`
	ToolCallCount   int                    `json:"tool_call_count"`
	FilesTouched    int                    `json:"files_touched"`
	TouchedPaths    []string               `json:"touched_paths"`
	TestOutput      string                 `json:"test_output"`
	FinalSummary    string                 `json:"final_summary"`
	Final           *FinalResult           `json:"final,omitempty"`
	Error           string                 `json:"error,omitempty"`
	DurationS       float64                `json:"duration_s"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	ReflectionCount int                    `json:"reflection_count"`
	LoopDetections  int                    `json:"loop_detections"`
	ParseErrors     int                    `json:"parse_errors"`
	TestRuns        int                    `json:"test_runs"`
	ToolBreakdown   map[string]int         `json:"tool_breakdown,omitempty"`
	TracePath       string                 `json:"trace_path,omitempty"`
}

// Passed reports whether tests ran and passed.
func (o RolloutOutcome) Passed() bool {
	return o.Success != nil && *o.Success
}

// Failed reports whether tests ran and failed.
func (o RolloutOutcome) Failed() bool {
	return o.Success != nil && !*o.Success
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool { return &b }

// -- Preference Data --

// PairInput is the prompt context shared by both sides of a pair.
type PairInput struct {
	Messages []Message `json:"messages"`
}

// PreferencePairRecord is one training example in DPO format.
type PreferencePairRecord struct {
	Input              PairInput `json:"input"`
	PreferredOutput    []Message `json:"preferred_output"`
	NonPreferredOutput []Message `json:"non_preferred_output"`
}

// PreferenceMeta is the debugging sidecar written next to each pair.
type PreferenceMeta struct {
	TaskID        string             `json:"task_id"`
	Suite         string             `json:"suite"`
	Model         string             `json:"model"`
	Temperature   float32            `json:"temperature"`
	Seed          int                `json:"seed"`
	Scores        map[string]float64 `json:"scores"`
	TestsOK       map[string]bool    `json:"tests_ok"`
	TraceIDs      map[string]string  `json:"trace_ids"`
	RolloutCounts map[string]int     `json:"rollout_counts"`
}

// -- Observations --

// Observation is the normalized result of one tool execution or driver test run.
type Observation struct {
	OK        bool                   `json:"ok"`
	Output    string                 `json:"output"`
	Truncated bool                   `json:"truncated"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}
