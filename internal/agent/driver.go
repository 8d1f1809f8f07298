// internal/agent/driver.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/repoagent/api/schemas"
	"github.com/xkilldash9x/repoagent/internal/action"
	"github.com/xkilldash9x/repoagent/internal/config"
	"github.com/xkilldash9x/repoagent/internal/ledger"
	"github.com/xkilldash9x/repoagent/internal/llmutil"
	"github.com/xkilldash9x/repoagent/internal/tools"
	"github.com/xkilldash9x/repoagent/internal/trace"
)

const (
	maxTraceOutputChars = 12000
	testSnippetChars    = 500
)

// Driver runs the finite-iteration control loop for one run. A Driver is not
// safe for concurrent use; each work unit builds its own.
type Driver struct {
	logger     *zap.Logger
	model      Model
	repo       *tools.RepoTools
	runner     tools.TestRunner
	sink       *trace.TallySink
	cfg        config.AgentConfig
	reflection config.ReflectionConfig

	// Per-run state, reset by Run.
	state     DriverState
	ledger    *ledger.Ledger
	ctrl      *Controller
	reflector *ReflectionController
	testsRan  bool
}

// NewDriver wires a driver to its collaborators. The sink's run id names the run.
func NewDriver(
	logger *zap.Logger,
	model Model,
	repo *tools.RepoTools,
	runner tools.TestRunner,
	sink trace.Sink,
	cfg config.AgentConfig,
	reflection config.ReflectionConfig,
) *Driver {
	return &Driver{
		logger:     logger.Named("driver").With(zap.String("run_id", sink.RunID())),
		model:      model,
		repo:       repo,
		runner:     runner,
		sink:       trace.NewTallySink(sink),
		cfg:        cfg,
		reflection: reflection,
		state:      StateAwaitingAction,
	}
}

// State returns the driver's current phase.
func (d *Driver) State() DriverState { return d.state }

// Ledger returns the ledger of the most recent run.
func (d *Driver) Ledger() *ledger.Ledger { return d.ledger }

// Run drives the model toward goal until it emits an accepted final action or
// the iteration bound is reached. A result is returned on every path. The
// error is non-nil only when the model transport failed or ctx was cancelled.
func (d *Driver) Run(ctx context.Context, goal string, testCmd []string) (schemas.RunResult, error) {
	d.ledger = ledger.New()
	d.ctrl = NewController(d.logger, d.repo, d.ledger, d.sink)
	d.reflector = NewReflectionController(d.logger, d.model, d.ledger, d.sink, d.reflection, d.cfg.Progress)
	d.testsRan = false
	d.state = StateAwaitingAction

	d.sink.Log(trace.KindRunStart, trace.Payload{
		"run_id":   d.sink.RunID(),
		"goal":     goal,
		"test_cmd": testCmd,
	})

	for t := 0; t < d.cfg.MaxIters; t++ {
		if err := ctx.Err(); err != nil {
			return d.abort(t, "Stopped: "+err.Error(), err), err
		}
		d.state = StateAwaitingAction
		d.progress("[iter] awaiting model action", zap.Int("iter", t))

		loopTriggered := false
		if d.ledger.DetectLoop(d.cfg.LoopTripwire) {
			loopTriggered = true
			d.note(t, NoteLoopDetected)
		}

		history := d.ledger.ToPromptList(d.cfg.MaxHistory)
		messages := CompilePrompt(goal, d.ledger.Summarize(d.sink.RunID()), history)
		d.sink.Log(trace.KindLLMRequest, trace.Payload{"t": t, "messages": messages})

		decision, err := d.model.NextAction(ctx, messages)
		if err != nil {
			var pe *action.ParseError
			if errors.As(err, &pe) {
				d.sink.Log(trace.KindLLMParseError, trace.Payload{"t": t, "error": pe.Reason, "raw": pe.Raw})
				d.note(t, fmt.Sprintf("Parse error: %s. Respond with exactly one JSON object matching the output contract.", pe.Reason))
				continue
			}
			d.logger.Error("Model transport failed", zap.Int("iter", t), zap.Error(err))
			return d.abort(t, "Stopped: model transport failed: "+err.Error(), err), fmt.Errorf("model transport failed: %w", err)
		}

		act := decision.Action
		d.sink.Log(trace.KindLLMAction, trace.Payload{"t": t, "raw": decision.Raw, "action": act.ToMap()})
		d.ledger.AppendLLMAction(act.ToMap())

		if trailing := strings.TrimSpace(decision.Trailing); trailing != "" {
			snippet, _ := llmutil.TruncateRunes(trailing, maxTraceOutputChars)
			d.sink.Log(trace.KindLLMTrailingText, trace.Payload{"t": t, "trailing": snippet})
			d.note(t, NoteTrailingText)
		}

		switch a := act.(type) {
		case action.Final:
			if !d.ledger.HasAnyObservation() {
				d.note(t, NoteFinalNoEvidence)
				continue
			}
			if d.cfg.TestPolicy == config.TestOnFinal && len(testCmd) > 0 && !d.testsRan {
				d.runTests(ctx, t, testCmd)
			}
			return d.terminate(t, a, StateTerminated), nil

		case action.ToolCall:
			d.state = StateDispatching
			d.ledger.AppendToolCall(a.Name, a.Args)
			obs := d.ctrl.Execute(t, a)
			d.progress("[tool] executed",
				zap.Int("iter", t),
				zap.String("tool", a.Name),
				zap.Bool("ok", obs.OK),
				zap.Bool("truncated", obs.Truncated))

			latest := map[string]interface{}{"tool": a.Name, "obs": obs}
			var testObs *schemas.Observation
			if d.cfg.TestPolicy == config.TestOnWrite && a.Name == tools.WriteFile && obs.OK && len(testCmd) > 0 {
				res := d.runTests(ctx, t, testCmd)
				testObs = &res
				latest = map[string]interface{}{"tool": ledger.DriverTestsTool, "obs": res}
			}

			if d.reflector.ShouldReflect(loopTriggered, obs, testObs) {
				d.reflector.Run(ctx, goal, latest, t)
			}
		}
	}

	t := d.cfg.MaxIters
	if d.cfg.TestPolicy == config.TestOnFinal && len(testCmd) > 0 && !d.testsRan {
		d.runTests(ctx, t, testCmd)
	}
	return d.terminate(t, action.Final{Summary: SummaryMaxIters}, StateAborted), nil
}

func (d *Driver) abort(t int, summary string, cause error) schemas.RunResult {
	d.logger.Warn("Run aborted", zap.Int("iter", t), zap.Error(cause))
	return d.terminate(t, action.Final{Summary: summary}, StateAborted)
}

// terminate builds the final record, logs it and closes the run.
func (d *Driver) terminate(t int, final action.Final, state DriverState) schemas.RunResult {
	d.state = state
	touched := d.ledger.TouchedFiles()

	changes := final.Changes
	if len(changes) == 0 {
		changes = make([]schemas.Change, 0, len(touched))
		for _, p := range touched {
			changes = append(changes, schemas.Change{Path: p, Description: ChangeEditedFile})
		}
	}

	terminal := schemas.StateTerminated
	if state == StateAborted {
		terminal = schemas.StateAborted
	}
	result := schemas.FinalResult{
		Type:       string(action.KindFinal),
		Summary:    final.Summary,
		Changes:    changes,
		Thought:    final.Thought,
		TestResult: testResultFrom(d.ledger.Summarize(d.sink.RunID()).LastTest),
		State:      terminal,
	}

	d.sink.Log(trace.KindFinal, trace.Payload{"t": t, "final": result})
	d.sink.Log(trace.KindRunEnd, trace.Payload{
		"run_id":   d.sink.RunID(),
		"summary":  result.Summary,
		"state":    string(state),
		"terminal": string(terminal),
	})
	d.progress("[final] run finished",
		zap.String("state", string(state)),
		zap.String("summary", result.Summary),
		zap.Int("files_touched", len(touched)))

	if touched == nil {
		touched = []string{}
	}
	return schemas.RunResult{
		RunID:        d.sink.RunID(),
		Final:        result,
		Stats:        d.sink.Stats(),
		FilesTouched: touched,
	}
}

// runTests executes the test command in the test gate and records the result
// as a driver observation.
func (d *Driver) runTests(ctx context.Context, t int, cmd []string) schemas.Observation {
	prev := d.state
	d.state = StateTestGate
	defer func() { d.state = prev }()

	obs := d.runner.RunTests(ctx, cmd)
	d.testsRan = true

	out, cut := llmutil.TruncateRunes(obs.Output, MaxObservationChars)
	obs.Output = out
	obs.Truncated = obs.Truncated || cut

	d.sink.Log(trace.KindTests, trace.Payload{"t": t, "ok": obs.OK, "output": obs.Output, "cmd": cmd})
	d.ledger.AppendObservation(ledger.DriverTestsTool, obs)
	d.progress("[tests] finished", zap.Int("iter", t), zap.Bool("ok", obs.OK), zap.Strings("cmd", cmd))
	return obs
}

func (d *Driver) note(t int, note string) {
	d.ledger.AppendDriverNote(note)
	d.sink.Log(trace.KindDriverNote, trace.Payload{"t": t, "note": note})
}

func (d *Driver) progress(msg string, fields ...zap.Field) {
	if d.cfg.Progress {
		d.logger.Info(msg, fields...)
		return
	}
	d.logger.Debug(msg, fields...)
}

// testResultFrom condenses the last driver test run, if any.
func testResultFrom(last *ledger.TestOutcome) *schemas.TestResult {
	if last == nil {
		return nil
	}
	summary := "All tests passed."
	if !last.OK {
		summary = "Tests failed."
		for _, line := range strings.Split(last.Output, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				summary = line
				break
			}
		}
	}
	snippet, _ := llmutil.TruncateRunes(last.Output, testSnippetChars)
	return &schemas.TestResult{OK: last.OK, Summary: summary, OutputSnippet: snippet}
}
