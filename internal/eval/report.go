package eval

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const timestampLayout = "2006-01-02T15:04:05Z"

// Report is the persisted outcome of one suite evaluation.
type Report struct {
	SuiteName string                 `json:"suite_name"`
	Timestamp string                 `json:"timestamp"`
	Metrics   Metrics                `json:"metrics"`
	Results   []TaskResult           `json:"results"`
	Config    map[string]interface{} `json:"config"`
}

// NewReport stamps a report with the current UTC time.
func NewReport(suiteName string, metrics Metrics, results []TaskResult, cfg map[string]interface{}) *Report {
	if results == nil {
		results = []TaskResult{}
	}
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	return &Report{
		SuiteName: suiteName,
		Timestamp: time.Now().UTC().Format(timestampLayout),
		Metrics:   metrics,
		Results:   results,
		Config:    cfg,
	}
}

// WriteReport writes r as indented JSON, creating parent directories.
func WriteReport(r *Report, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report %s: %w", path, err)
	}
	return nil
}

// LoadReport reads a report written by WriteReport.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report %s: %w", path, err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse report %s: %w", path, err)
	}
	return &r, nil
}

// Comparison holds the deltas between two reports.
type Comparison struct {
	Baseline  ComparisonSide     `json:"baseline"`
	Current   ComparisonSide     `json:"current"`
	Delta     map[string]float64 `json:"delta"`
	Improved  []string           `json:"improved"`
	Regressed []string           `json:"regressed"`
}

// ComparisonSide identifies one report in a comparison.
type ComparisonSide struct {
	Suite     string  `json:"suite"`
	Timestamp string  `json:"timestamp"`
	Metrics   Metrics `json:"metrics"`
}

// Compare computes current minus baseline for the headline metrics and
// lists the tasks whose outcome flipped.
func Compare(baseline, current *Report) Comparison {
	b, c := baseline.Metrics, current.Metrics
	cmp := Comparison{
		Baseline: ComparisonSide{Suite: baseline.SuiteName, Timestamp: baseline.Timestamp, Metrics: b},
		Current:  ComparisonSide{Suite: current.SuiteName, Timestamp: current.Timestamp, Metrics: c},
		Delta: map[string]float64{
			"success_rate":            c.SuccessRate - b.SuccessRate,
			"avg_steps":               c.AvgSteps - b.AvgSteps,
			"avg_tool_calls":          c.AvgToolCalls - b.AvgToolCalls,
			"avg_duration_s":          c.AvgDurationS - b.AvgDurationS,
			"avg_reflections":         c.AvgReflections - b.AvgReflections,
			"tool_parse_success_rate": c.ToolParseSuccessRate - b.ToolParseSuccessRate,
		},
		Improved:  []string{},
		Regressed: []string{},
	}

	before := passedByTask(baseline.Results)
	after := passedByTask(current.Results)
	for _, id := range sortedKeys(after) {
		was, ok := before[id]
		if !ok {
			continue
		}
		now := after[id]
		switch {
		case now && !was:
			cmp.Improved = append(cmp.Improved, id)
		case was && !now:
			cmp.Regressed = append(cmp.Regressed, id)
		}
	}
	return cmp
}

// passedByTask marks a task passed if any of its runs passed.
func passedByTask(results []TaskResult) map[string]bool {
	out := make(map[string]bool, len(results))
	for _, r := range results {
		out[r.TaskID] = out[r.TaskID] || (r.Success != nil && *r.Success)
	}
	return out
}

// FormatComparison renders c as a human-readable summary.
func FormatComparison(c Comparison) string {
	var b strings.Builder
	rule := strings.Repeat("=", 60)
	fmt.Fprintln(&b, rule)
	fmt.Fprintln(&b, "COMPARISON")
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "Baseline: %s (%s)\n", c.Baseline.Suite, c.Baseline.Timestamp)
	fmt.Fprintf(&b, "Current:  %s (%s)\n", c.Current.Suite, c.Current.Timestamp)
	fmt.Fprintln(&b, strings.Repeat("-", 40))

	sr := c.Delta["success_rate"]
	fmt.Fprintf(&b, "Success rate: %.1f%% -> %.1f%% (%s)\n",
		c.Baseline.Metrics.SuccessRate*100, c.Current.Metrics.SuccessRate*100, signed(sr*100, "%"))
	fmt.Fprintf(&b, "Avg steps:    %.1f -> %.1f (%s)\n",
		c.Baseline.Metrics.AvgSteps, c.Current.Metrics.AvgSteps, signed(c.Delta["avg_steps"], ""))
	fmt.Fprintf(&b, "Tool parse:   %.1f%% -> %.1f%% (%s)\n",
		c.Baseline.Metrics.ToolParseSuccessRate*100, c.Current.Metrics.ToolParseSuccessRate*100,
		signed(c.Delta["tool_parse_success_rate"]*100, "%"))

	if len(c.Improved) > 0 {
		fmt.Fprintf(&b, "Improved:  %s\n", strings.Join(c.Improved, ", "))
	}
	if len(c.Regressed) > 0 {
		fmt.Fprintf(&b, "Regressed: %s\n", strings.Join(c.Regressed, ", "))
	}
	b.WriteString(rule)
	return b.String()
}

func signed(v float64, unit string) string {
	return fmt.Sprintf("%+.1f%s", v, unit)
}
