package eval

import (
	"fmt"
	"sort"
	"strings"
)

// parseErrorKeywords mark run-level errors that came from malformed model output.
var parseErrorKeywords = []string{
	"parse", "json", "valid type", "malformed", "decode", "unexpected token",
	"expecting", "unterminated", "invalid syntax", "failed to produce",
}

// Metrics aggregates a set of task results.
type Metrics struct {
	TotalTasks     int     `json:"total_tasks"`
	Passed         int     `json:"passed"`
	Failed         int     `json:"failed"`
	Errored        int     `json:"errored"`
	NoTests        int     `json:"no_tests"`
	SuccessRate    float64 `json:"success_rate"`
	AvgSteps       float64 `json:"avg_steps"`
	AvgToolCalls   float64 `json:"avg_tool_calls"`
	AvgDurationS   float64 `json:"avg_duration_s"`
	TotalDurationS float64 `json:"total_duration_s"`
	AvgReflections float64 `json:"avg_reflections"`
	AvgParseErrors float64 `json:"avg_parse_errors"`
	AvgTestRuns    float64 `json:"avg_test_runs"`

	TotalReflections      int     `json:"total_reflections"`
	TotalParseErrors      int     `json:"total_parse_errors"`
	TotalValidToolActions int     `json:"total_valid_tool_actions"`
	ToolParseSuccessRate  float64 `json:"tool_parse_success_rate"`

	ByCategory map[string]Metrics `json:"by_category,omitempty"`

	// Rollout consistency; only meaningful when RolloutsPerTask > 1.
	RolloutsPerTask int                    `json:"rollouts_per_task"`
	TotalAttempts   int                    `json:"total_attempts"`
	AvgTaskPassRate float64                `json:"avg_task_pass_rate"`
	ConsistentPass  int                    `json:"consistent_pass"`
	ConsistentFail  int                    `json:"consistent_fail"`
	Inconsistent    int                    `json:"inconsistent"`
	PerTaskResults  map[string]TaskSummary `json:"per_task_results,omitempty"`
}

// TaskSummary condenses the rollouts of one task.
type TaskSummary struct {
	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Errored  int     `json:"errored"`
	NoTests  int     `json:"no_tests"`
	PassRate float64 `json:"pass_rate"`
}

// ComputeMetrics aggregates results, one result per task.
func ComputeMetrics(results []TaskResult) Metrics {
	m := flatMetrics(results)
	if len(results) == 0 {
		return m
	}

	byCat := make(map[string][]TaskResult)
	for _, r := range results {
		byCat[r.Category()] = append(byCat[r.Category()], r)
	}
	m.ByCategory = make(map[string]Metrics, len(byCat))
	for cat, rs := range byCat {
		m.ByCategory[cat] = flatMetrics(rs)
	}
	return m
}

// ComputeRolloutMetrics aggregates results from several rollouts per task.
// TotalTasks counts distinct tasks; TotalAttempts counts runs.
func ComputeRolloutMetrics(results []TaskResult, rollouts int) Metrics {
	m := ComputeMetrics(results)
	if len(results) == 0 {
		return m
	}

	groups := make(map[string][]TaskResult)
	var order []string
	for _, r := range results {
		if _, ok := groups[r.TaskID]; !ok {
			order = append(order, r.TaskID)
		}
		groups[r.TaskID] = append(groups[r.TaskID], r)
	}

	m.RolloutsPerTask = rollouts
	m.TotalAttempts = len(results)
	m.TotalTasks = len(order)
	m.PerTaskResults = make(map[string]TaskSummary, len(order))

	var rates []float64
	for _, id := range order {
		s := summarize(groups[id])
		m.PerTaskResults[id] = s

		if s.Passed+s.Failed == 0 {
			continue
		}
		rates = append(rates, s.PassRate)
		switch s.PassRate {
		case 1.0:
			m.ConsistentPass++
		case 0.0:
			m.ConsistentFail++
		default:
			m.Inconsistent++
		}
	}
	if len(rates) > 0 {
		var sum float64
		for _, r := range rates {
			sum += r
		}
		m.AvgTaskPassRate = sum / float64(len(rates))
	}
	return m
}

func summarize(results []TaskResult) TaskSummary {
	s := TaskSummary{Total: len(results)}
	for _, r := range results {
		switch {
		case r.Error != "":
			s.Errored++
		case r.Success == nil:
			s.NoTests++
		case *r.Success:
			s.Passed++
		default:
			s.Failed++
		}
	}
	if tested := s.Passed + s.Failed; tested > 0 {
		s.PassRate = float64(s.Passed) / float64(tested)
	}
	return s
}

func flatMetrics(results []TaskResult) Metrics {
	m := Metrics{TotalTasks: len(results), RolloutsPerTask: 1, TotalAttempts: len(results)}
	if len(results) == 0 {
		return m
	}

	var steps, toolCalls, reflections, parseErrors, testRuns int
	var duration float64
	for _, r := range results {
		switch {
		case r.Error != "":
			m.Errored++
		case r.Success == nil:
			m.NoTests++
		case *r.Success:
			m.Passed++
		default:
			m.Failed++
		}

		steps += r.Steps
		toolCalls += r.ToolCalls
		duration += r.DurationS
		reflections += r.ReflectionCount
		parseErrors += r.ParseErrors
		testRuns += r.TestRuns
		if isParseError(r.Error) {
			parseErrors++
		}
	}

	n := float64(len(results))
	m.AvgSteps = float64(steps) / n
	m.AvgToolCalls = float64(toolCalls) / n
	m.AvgDurationS = duration / n
	m.TotalDurationS = duration
	m.AvgReflections = float64(reflections) / n
	m.AvgParseErrors = float64(parseErrors) / n
	m.AvgTestRuns = float64(testRuns) / n
	m.TotalReflections = reflections
	m.TotalParseErrors = parseErrors
	// Every llm_action step is a model turn that parsed into a valid action.
	m.TotalValidToolActions = steps

	if tested := m.Passed + m.Failed; tested > 0 {
		m.SuccessRate = float64(m.Passed) / float64(tested)
	}
	if attempts := m.TotalValidToolActions + m.TotalParseErrors; attempts > 0 {
		m.ToolParseSuccessRate = float64(m.TotalValidToolActions) / float64(attempts)
	}
	return m
}

func isParseError(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)
	for _, kw := range parseErrorKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// FormatMetrics renders m as a human-readable summary.
func FormatMetrics(m Metrics) string {
	var b strings.Builder
	rule := strings.Repeat("=", 60)
	thin := strings.Repeat("-", 40)
	line := func(format string, args ...interface{}) {
		fmt.Fprintf(&b, format+"\n", args...)
	}

	line(rule)
	line("EVALUATION SUMMARY")
	line(rule)
	if m.RolloutsPerTask > 1 {
		line("Tasks:           %d", m.TotalTasks)
		line("Rollouts/task:   %d", m.RolloutsPerTask)
		line("Total attempts:  %d", m.TotalAttempts)
		line(thin)
		line("OVERALL (all attempts):")
		line("  Passed:        %d/%d", m.Passed, m.TotalAttempts)
		line("  Failed:        %d/%d", m.Failed, m.TotalAttempts)
		line("  Errored:       %d", m.Errored)
		line("  Success rate:  %.1f%%", m.SuccessRate*100)
		line(thin)
		line("PER-TASK AGGREGATION:")
		line("  Avg pass rate: %.1f%%", m.AvgTaskPassRate*100)
		line("  Always pass:   %d/%d", m.ConsistentPass, m.TotalTasks)
		line("  Always fail:   %d/%d", m.ConsistentFail, m.TotalTasks)
		line("  Mixed:         %d/%d", m.Inconsistent, m.TotalTasks)
	} else {
		line("Total tasks:     %d", m.TotalTasks)
		line("Passed:          %d", m.Passed)
		line("Failed:          %d", m.Failed)
		line("Errored:         %d", m.Errored)
		line("No tests:        %d", m.NoTests)
		line("Success rate:    %.1f%%", m.SuccessRate*100)
	}

	line(thin)
	line("Avg steps:       %.1f", m.AvgSteps)
	line("Avg tool calls:  %.1f", m.AvgToolCalls)
	line("Avg reflections: %.1f", m.AvgReflections)
	line("Avg test runs:   %.1f", m.AvgTestRuns)
	line("Parse errors:    %d", m.TotalParseErrors)
	line("Avg duration:    %.1fs", m.AvgDurationS)
	line("Total duration:  %.1fs", m.TotalDurationS)
	line(thin)
	line("TOOL CALL INSTRUCTION FOLLOWING:")
	line("  Valid tool actions:     %d", m.TotalValidToolActions)
	line("  Parse errors:           %d", m.TotalParseErrors)
	line("  Tool parse success:     %.1f%%", m.ToolParseSuccessRate*100)

	if m.RolloutsPerTask > 1 && len(m.PerTaskResults) > 0 {
		line(thin)
		line("PER-TASK RESULTS:")
		for _, id := range sortedKeys(m.PerTaskResults) {
			s := m.PerTaskResults[id]
			line("  %s: %d/%d (%.0f%%)", id, s.Passed, s.Total, s.PassRate*100)
		}
	}
	if len(m.ByCategory) > 0 {
		line(thin)
		line("BY CATEGORY:")
		for _, cat := range sortedKeys(m.ByCategory) {
			c := m.ByCategory[cat]
			line("  %s: %d/%d (%.0f%%)", cat, c.Passed, c.TotalTasks, c.SuccessRate*100)
		}
	}
	b.WriteString(rule)
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
