// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/repoagent/api/schemas"
	"github.com/xkilldash9x/repoagent/internal/config"
	"github.com/xkilldash9x/repoagent/internal/observability"
	"github.com/xkilldash9x/repoagent/internal/worker"
)

// ErrEngineRunning is returned when Run is called while a previous Run is still in flight.
var ErrEngineRunning = errors.New("rollout engine is already running")

// ErrSharedWorkspace is returned when sandboxing is disabled and two work units
// would edit the same repository in place.
var ErrSharedWorkspace = errors.New("work units would share an in-place workspace; enable sandbox")

// -- Interfaces for Dependency Inversion --

// Worker executes one work unit. Implementations must return an outcome for
// every unit and never panic.
type Worker interface {
	Run(ctx context.Context, unit worker.Unit) schemas.RolloutOutcome
}

// Store persists finished outcomes. Persistence is best effort.
type Store interface {
	SaveOutcomes(ctx context.Context, outcomes []schemas.RolloutOutcome) error
}

// Progress is one completion event as seen by the aggregator.
type Progress struct {
	Done    int
	Total   int
	Outcome schemas.RolloutOutcome
}

// Result holds every outcome of a run.
type Result struct {
	// Outcomes in completion order.
	Outcomes []schemas.RolloutOutcome
	// ByTask groups outcomes by task id, each group ordered by rollout index.
	ByTask map[string][]schemas.RolloutOutcome
	// TaskOrder lists task ids in input order.
	TaskOrder []string
	// Rollouts is the number of units scheduled per task.
	Rollouts int
	TimedOut bool
}

// Group returns the outcomes for taskID.
func (r *Result) Group(taskID string) []schemas.RolloutOutcome {
	return r.ByTask[taskID]
}

// Engine fans tasks x rollouts out over a bounded pool. Completion events
// flow over one channel into a single aggregator goroutine, which owns the
// grouping, the progress counter and the progress callback.
type Engine struct {
	cfg        config.Interface
	logger     *zap.Logger
	worker     Worker
	store      Store
	metrics    *observability.RolloutMetrics
	onProgress func(Progress)

	stateLock sync.Mutex
	isRunning bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore persists outcomes after every run.
func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithMetrics records outcome counters and durations.
func WithMetrics(m *observability.RolloutMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithProgress registers a callback invoked from the aggregator goroutine
// after each completion. Calls are never concurrent.
func WithProgress(fn func(Progress)) Option {
	return func(e *Engine) { e.onProgress = fn }
}

// New creates a new Engine.
func New(cfg config.Interface, logger *zap.Logger, w Worker, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if w == nil {
		return nil, errors.New("worker cannot be nil")
	}

	e := &Engine{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "rollout_engine")),
		worker: w,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// checkInPlaceUnits rejects unit sets in which two units resolve to the same
// source repository. Without a sandbox that repository is every such unit's
// workspace.
func checkInPlaceUnits(units []worker.Unit) error {
	owners := make(map[string]worker.Unit, len(units))
	for _, u := range units {
		repo := filepath.Clean(u.Task.Repo)
		if abs, err := filepath.Abs(repo); err == nil {
			repo = abs
		}
		if prev, ok := owners[repo]; ok {
			return fmt.Errorf("%w: %s#%d and %s#%d both use %s",
				ErrSharedWorkspace, prev.Task.TaskID, prev.RolloutIndex, u.Task.TaskID, u.RolloutIndex, repo)
		}
		owners[repo] = u
	}
	return nil
}

// Units expands tasks into work units, task-major. Rollout i of every task
// uses seed baseSeed+i.
func Units(tasks []schemas.TaskSpec, rollouts, baseSeed int, temperature float32) []worker.Unit {
	units := make([]worker.Unit, 0, len(tasks)*rollouts)
	for _, task := range tasks {
		for i := 0; i < rollouts; i++ {
			units = append(units, worker.Unit{
				Task:         task,
				RolloutIndex: i,
				Seed:         baseSeed + i,
				Temperature:  temperature,
			})
		}
	}
	return units
}

// Run executes every rollout of every task and returns once all units have
// reported. Failed units are recorded as outcomes; they never abort siblings.
// Errors are ErrEngineRunning and ErrSharedWorkspace, both returned before any
// unit starts.
func (e *Engine) Run(ctx context.Context, tasks []schemas.TaskSpec) (*Result, error) {
	rc := e.cfg.Rollout()
	rollouts := max(rc.Rollouts, 1)
	workers := max(rc.Workers, 1)
	units := Units(tasks, rollouts, rc.BaseSeed, rc.Temperature)

	if !e.cfg.Sandbox().Enabled {
		if err := checkInPlaceUnits(units); err != nil {
			return nil, err
		}
	}

	e.stateLock.Lock()
	if e.isRunning {
		e.stateLock.Unlock()
		return nil, ErrEngineRunning
	}
	e.isRunning = true
	e.stateLock.Unlock()
	defer func() {
		e.stateLock.Lock()
		e.isRunning = false
		e.stateLock.Unlock()
	}()

	runCtx := ctx
	if rc.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, rc.Timeout)
		defer cancel()
	}

	e.logger.Info("Starting rollout pool",
		zap.Int("tasks", len(tasks)),
		zap.Int("rollouts", rollouts),
		zap.Int("units", len(units)),
		zap.Int("workers", workers),
		zap.Duration("timeout", rc.Timeout))

	result := &Result{
		Outcomes:  make([]schemas.RolloutOutcome, 0, len(units)),
		ByTask:    make(map[string][]schemas.RolloutOutcome, len(tasks)),
		TaskOrder: make([]string, 0, len(tasks)),
		Rollouts:  rollouts,
	}
	for _, t := range tasks {
		if _, seen := result.ByTask[t.TaskID]; !seen {
			result.TaskOrder = append(result.TaskOrder, t.TaskID)
			result.ByTask[t.TaskID] = nil
		}
	}

	completions := make(chan schemas.RolloutOutcome)
	aggregated := make(chan struct{})
	go func() {
		defer close(aggregated)
		e.aggregate(completions, len(units), result)
	}()

	var g errgroup.Group
	g.SetLimit(workers)
	for _, unit := range units {
		g.Go(func() error {
			completions <- e.execute(runCtx, unit)
			return nil
		})
	}
	_ = g.Wait()
	close(completions)
	<-aggregated

	for id := range result.ByTask {
		group := result.ByTask[id]
		sort.SliceStable(group, func(i, j int) bool { return group[i].RolloutIndex < group[j].RolloutIndex })
	}
	result.TimedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
	if result.TimedOut {
		e.logger.Warn("Rollout pool timed out; unfinished units were recorded as failed", zap.Duration("timeout", rc.Timeout))
	}

	e.persist(result.Outcomes)
	return result, nil
}

// execute runs one unit, or records it as skipped when the pool context has
// already ended.
func (e *Engine) execute(ctx context.Context, unit worker.Unit) schemas.RolloutOutcome {
	if err := ctx.Err(); err != nil {
		return schemas.RolloutOutcome{
			TaskID:       unit.Task.TaskID,
			RolloutIndex: unit.RolloutIndex,
			Seed:         unit.Seed,
			Temperature:  unit.Temperature,
			TouchedPaths: []string{},
			Metadata:     unit.Task.Metadata,
			Error:        fmt.Sprintf("not started: %v", err),
		}
	}

	if e.metrics != nil {
		e.metrics.InFlight.Inc()
		defer e.metrics.InFlight.Dec()
	}
	return e.worker.Run(ctx, unit)
}

// aggregate is the only reader of completions and the only writer of result.
func (e *Engine) aggregate(completions <-chan schemas.RolloutOutcome, total int, result *Result) {
	done := 0
	for outcome := range completions {
		done++
		result.Outcomes = append(result.Outcomes, outcome)
		result.ByTask[outcome.TaskID] = append(result.ByTask[outcome.TaskID], outcome)

		label := OutcomeLabel(outcome)
		e.metrics.ObserveOutcome(label, time.Duration(outcome.DurationS*float64(time.Second)))
		e.logger.Info("[progress] rollout complete",
			zap.Int("done", done),
			zap.Int("total", total),
			zap.String("task_id", outcome.TaskID),
			zap.Int("rollout", outcome.RolloutIndex),
			zap.String("outcome", label),
			zap.Int("steps", outcome.Steps))
		if e.onProgress != nil {
			e.onProgress(Progress{Done: done, Total: total, Outcome: outcome})
		}
	}
}

func (e *Engine) persist(outcomes []schemas.RolloutOutcome) {
	if e.store == nil || len(outcomes) == 0 {
		return
	}
	// Persist even when the caller's context is already cancelled.
	persistCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.store.SaveOutcomes(persistCtx, outcomes); err != nil {
		e.logger.Error("Failed to persist rollout outcomes", zap.Error(err))
		return
	}
	e.logger.Info("Persisted rollout outcomes", zap.Int("count", len(outcomes)))
}

// OutcomeLabel classifies an outcome for metrics and progress output.
func OutcomeLabel(o schemas.RolloutOutcome) string {
	switch {
	case o.Error != "":
		return observability.OutcomeError
	case o.Passed():
		return observability.OutcomePass
	case o.Failed():
		return observability.OutcomeFail
	default:
		return observability.OutcomeNoTests
	}
}
