package eval

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/repoagent/api/schemas"
	"github.com/xkilldash9x/repoagent/internal/config"
	"github.com/xkilldash9x/repoagent/internal/engine"
)

// Pool runs tasks x rollouts. *engine.Engine satisfies it.
type Pool interface {
	Run(ctx context.Context, tasks []schemas.TaskSpec) (*engine.Result, error)
}

// Runner evaluates suites through a rollout pool.
type Runner struct {
	cfg    config.Interface
	pool   Pool
	logger *zap.Logger
}

// NewRunner creates a suite runner.
func NewRunner(cfg config.Interface, pool Pool, logger *zap.Logger) (*Runner, error) {
	if cfg == nil || pool == nil {
		return nil, errors.New("eval runner requires a config and a pool")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, pool: pool, logger: logger.Named("eval")}, nil
}

// Run executes every task of suite, optionally filtered to taskIDs, and
// builds a report. Results are ordered by suite position, then rollout index.
func (r *Runner) Run(ctx context.Context, suite *schemas.Suite, taskIDs ...string) (*Report, *engine.Result, error) {
	tasks, err := FilterTasks(suite.Tasks, taskIDs)
	if err != nil {
		return nil, nil, err
	}
	r.logger.Info("Running suite", zap.String("suite", suite.Name), zap.Int("tasks", len(tasks)))

	res, err := r.pool.Run(ctx, tasks)
	if err != nil {
		return nil, nil, fmt.Errorf("suite %s: %w", suite.Name, err)
	}

	results := make([]TaskResult, 0, len(res.Outcomes))
	for _, id := range res.TaskOrder {
		for _, o := range res.Group(id) {
			results = append(results, FromOutcome(o))
		}
	}

	var metrics Metrics
	if res.Rollouts > 1 {
		metrics = ComputeRolloutMetrics(results, res.Rollouts)
	} else {
		metrics = ComputeMetrics(results)
	}

	report := NewReport(suite.Name, metrics, results, r.reportConfig())
	r.logger.Info("Suite finished",
		zap.String("suite", suite.Name),
		zap.Int("passed", metrics.Passed),
		zap.Int("failed", metrics.Failed),
		zap.Int("errored", metrics.Errored),
		zap.Float64("success_rate", metrics.SuccessRate),
		zap.Bool("timed_out", res.TimedOut))
	return report, res, nil
}

func (r *Runner) reportConfig() map[string]interface{} {
	llm := r.cfg.LLM()
	agent := r.cfg.Agent()
	rc := r.cfg.Rollout()
	return map[string]interface{}{
		"provider":          string(llm.Provider),
		"model":             llm.Model,
		"max_iters":         agent.MaxIters,
		"test_policy":       string(agent.TestPolicy),
		"enable_reflection": r.cfg.Reflection().Enable,
		"rollouts":          max(rc.Rollouts, 1),
		"workers":           max(rc.Workers, 1),
		"temperature":       rc.Temperature,
		"base_seed":         rc.BaseSeed,
		"sandbox_enabled":   r.cfg.Sandbox().Enabled,
		"sandbox_mode":      string(r.cfg.Sandbox().Mode),
	}
}

// FilterTasks keeps the tasks named in ids, in suite order. An empty ids
// returns all tasks. Unknown ids are an error.
func FilterTasks(tasks []schemas.TaskSpec, ids []string) ([]schemas.TaskSpec, error) {
	if len(ids) == 0 {
		return tasks, nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []schemas.TaskSpec
	for _, t := range tasks {
		if want[t.TaskID] {
			out = append(out, t)
			delete(want, t.TaskID)
		}
	}
	if len(want) > 0 {
		return nil, fmt.Errorf("unknown task ids: %v", sortedKeys(want))
	}
	return out, nil
}
