package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/repoagent/api/schemas"
	"github.com/xkilldash9x/repoagent/internal/agent"
	"github.com/xkilldash9x/repoagent/internal/config"
	"github.com/xkilldash9x/repoagent/internal/llmclient"
	"github.com/xkilldash9x/repoagent/internal/llmutil"
	"github.com/xkilldash9x/repoagent/internal/observability"
	"github.com/xkilldash9x/repoagent/internal/sandbox"
	"github.com/xkilldash9x/repoagent/internal/tools"
	"github.com/xkilldash9x/repoagent/internal/trace"
)

const maxOutcomeTestOutput = 2000

// Unit is one schedulable rollout of one task.
type Unit struct {
	Task         schemas.TaskSpec
	RolloutIndex int
	Seed         int
	Temperature  float32
}

// RunnerFactory builds the test runner for a workspace.
type RunnerFactory func(dir string, timeout time.Duration) tools.TestRunner

// Worker executes work units in-process. Each call to Run builds its own
// workspace, trace sink, ledger and driver, so a single Worker can be shared by
// every goroutine of the rollout engine.
type Worker struct {
	cfg       config.Interface
	logger    *zap.Logger
	client    schemas.LLMClient
	sandboxes *sandbox.Manager
	traceDir  string
	traceFile string
	runners   RunnerFactory
	newRunID  func() string
}

// Option is a function that configures a Worker.
type Option func(*Worker)

// WithTraceDir writes one JSONL trace per unit under dir. Without it traces
// are kept in memory and discarded.
func WithTraceDir(dir string) Option {
	return func(w *Worker) {
		w.traceDir = dir
	}
}

// WithTraceFile appends every unit's trace to one file. It takes precedence
// over WithTraceDir.
func WithTraceFile(path string) Option {
	return func(w *Worker) {
		w.traceFile = path
	}
}

// WithSandboxManager replaces the workspace manager built from the config.
func WithSandboxManager(m *sandbox.Manager) Option {
	return func(w *Worker) {
		w.sandboxes = m
	}
}

// WithRunnerFactory injects the test runner. This is primarily used for testing.
func WithRunnerFactory(f RunnerFactory) Option {
	return func(w *Worker) {
		w.runners = f
	}
}

// WithRunIDGenerator overrides how run identifiers are minted.
func WithRunIDGenerator(fn func() string) Option {
	return func(w *Worker) {
		w.newRunID = fn
	}
}

// NewWorker initializes a worker around a shared model client.
func NewWorker(cfg config.Interface, client schemas.LLMClient, logger *zap.Logger, opts ...Option) (*Worker, error) {
	if client == nil {
		return nil, fmt.Errorf("worker requires a model client")
	}

	w := &Worker{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "worker")),
		client:   client,
		newRunID: func() string { return uuid.NewString() },
		runners: func(dir string, timeout time.Duration) tools.TestRunner {
			return tools.NewCommandRunner(dir, timeout)
		},
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.sandboxes == nil {
		w.sandboxes = sandbox.NewManager(cfg.Sandbox(), logger)
	}
	return w, nil
}

// Run executes one unit and always returns an outcome. Setup failures,
// transport failures and panics produce an outcome with Success nil and Error
// set; they never propagate to the caller.
func (w *Worker) Run(ctx context.Context, unit Unit) (outcome schemas.RolloutOutcome) {
	start := time.Now()
	runID := w.newRunID()
	logger := observability.ForRun(w.logger, runID, unit.Task.TaskID)

	outcome = schemas.RolloutOutcome{
		TaskID:       unit.Task.TaskID,
		RunID:        runID,
		RolloutIndex: unit.RolloutIndex,
		Seed:         unit.Seed,
		Temperature:  unit.Temperature,
		TouchedPaths: []string{},
		Metadata:     unit.Task.Metadata,
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Work unit panicked",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			outcome.Success = nil
			outcome.Error = fmt.Sprintf("panic: %v", r)
		}
		outcome.DurationS = time.Since(start).Seconds()
	}()

	logger.Info("Starting rollout",
		zap.Int("rollout", unit.RolloutIndex),
		zap.Int("seed", unit.Seed),
		zap.Float32("temperature", unit.Temperature))

	ws, err := w.sandboxes.Create(ctx, unit.Task.Repo, "")
	if err != nil {
		outcome.Error = fmt.Sprintf("failed to prepare workspace: %v", err)
		logger.Error("Workspace setup failed", zap.Error(err))
		return outcome
	}
	defer ws.Cleanup()

	sink, closeSink, err := w.openSink(unit.Task.TaskID, runID, logger)
	if err != nil {
		outcome.Error = err.Error()
		logger.Error("Trace setup failed", zap.Error(err))
		return outcome
	}
	defer closeSink()
	if fs, ok := sink.(*trace.FileSink); ok {
		outcome.TracePath = fs.Path()
	}

	repo, err := tools.NewRepoTools(ws.Root)
	if err != nil {
		outcome.Error = fmt.Sprintf("failed to open workspace: %v", err)
		return outcome
	}

	agentCfg := w.cfg.Agent()
	seed := unit.Seed
	model := llmclient.NewModelAdapter(w.client, schemas.GenerationOptions{
		Temperature:     unit.Temperature,
		Seed:            &seed,
		MaxTokens:       w.cfg.LLM().MaxTokens,
		ForceJSONFormat: w.cfg.LLM().JSONMode,
	})
	driver := agent.NewDriver(
		logger,
		model,
		repo,
		w.runners(ws.Root, agentCfg.TestTimeout),
		sink,
		agentCfg,
		w.cfg.Reflection(),
	)

	result, runErr := driver.Run(ctx, unit.Task.Goal, unit.Task.TestCommand())
	fillOutcome(&outcome, result)
	if last := driver.Ledger().Summarize(result.RunID).LastTest; last != nil {
		outcome.TestOutput, _ = llmutil.TruncateRunes(last.Output, maxOutcomeTestOutput)
	}
	if runErr != nil {
		outcome.Success = nil
		outcome.Error = runErr.Error()
	}

	logger.Info("Rollout finished",
		zap.Int("rollout", unit.RolloutIndex),
		zap.Stringp("success", successLabel(outcome.Success)),
		zap.Int("steps", outcome.Steps),
		zap.String("error", outcome.Error))
	return outcome
}

func (w *Worker) openSink(taskID, runID string, logger *zap.Logger) (trace.Sink, func(), error) {
	path := w.traceFile
	if path == "" {
		if w.traceDir == "" {
			return trace.NewMemorySink(runID), func() {}, nil
		}
		path = filepath.Join(w.traceDir, fmt.Sprintf("%s_%s.jsonl", sanitize(taskID), runID))
	}
	fs, err := trace.NewFileSink(path, runID, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open trace sink: %w", err)
	}
	return fs, func() {
		if err := fs.Close(); err != nil {
			logger.Warn("Failed to close trace sink", zap.Error(err))
		}
	}, nil
}

// fillOutcome copies the run's result and counters onto the outcome.
func fillOutcome(o *schemas.RolloutOutcome, r schemas.RunResult) {
	if r.RunID != "" {
		o.RunID = r.RunID
	}
	final := r.Final
	o.Final = &final
	o.FinalSummary = final.Summary
	if final.TestResult != nil {
		o.Success = schemas.BoolPtr(final.TestResult.OK)
		o.TestOutput = final.TestResult.OutputSnippet
	}
	if r.FilesTouched != nil {
		o.TouchedPaths = r.FilesTouched
	}
	o.FilesTouched = len(o.TouchedPaths)
	o.Steps = r.Stats.Steps
	o.ToolCallCount = r.Stats.ToolCalls
	o.ReflectionCount = r.Stats.Reflections
	o.LoopDetections = r.Stats.LoopDetections
	o.ParseErrors = r.Stats.ParseErrors
	o.TestRuns = r.Stats.TestRuns
	o.ToolBreakdown = r.Stats.ToolBreakdown
}

func successLabel(s *bool) *string {
	if s == nil {
		return nil
	}
	v := "fail"
	if *s {
		v = "pass"
	}
	return &v
}

// sanitize keeps task ids usable as file name components.
func sanitize(id string) string {
	if id == "" {
		return "task"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, id)
}
