package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/repoagent/api/schemas"
	"github.com/xkilldash9x/repoagent/internal/config"
	"github.com/xkilldash9x/repoagent/internal/ledger"
	"github.com/xkilldash9x/repoagent/internal/tools"
	"github.com/xkilldash9x/repoagent/internal/trace"
)

var testCmd = []string{"pytest", "-q", "test_x.py"}

const (
	readA   = `{"type":"tool_call","name":"read_file","args":{"rel_path":"a.py","max_chars":2000}}`
	listAll = `{"type":"tool_call","name":"list_files","args":{"rel_dir":".","max_files":50}}`
	fixA    = `{"type":"tool_call","name":"write_file","args":{"rel_path":"a.py","content":"def add(a, b):\n    return a + b\n"}}`
	finalOK = `{"type":"final","summary":"Fixed add","changes":[]}`
)

func agentConfig(policy config.TestPolicy) config.AgentConfig {
	return config.AgentConfig{
		MaxIters:     10,
		MaxHistory:   12,
		LoopTripwire: 3,
		TestPolicy:   policy,
		Progress:     true,
	}
}

func noReflection() config.ReflectionConfig {
	return config.ReflectionConfig{Enable: false}
}

func setupDriver(t *testing.T, model Model, runner tools.TestRunner, cfg config.AgentConfig, refCfg config.ReflectionConfig) (*Driver, *trace.MemorySink, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.py"), []byte("def add(a, b):\n    return a - b\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "test_x.py"), []byte("from a import add\n"), 0o644))

	repo, err := tools.NewRepoTools(root)
	require.NoError(t, err)
	sink := trace.NewMemorySink("run-1")
	if runner == nil {
		runner = new(MockTestRunner)
	}
	d := NewDriver(zaptest.NewLogger(t), model, repo, runner, sink, cfg, refCfg)
	return d, sink, repo.Root()
}

func kinds(records []trace.Record) []trace.Kind {
	out := make([]trace.Kind, 0, len(records))
	for _, r := range records {
		out = append(out, r.Kind)
	}
	return out
}

func notesOf(led *ledger.Ledger) []string {
	var out []string
	for _, e := range led.Entries() {
		if e.Kind == ledger.KindDriverNote {
			out = append(out, e.Note)
		}
	}
	return out
}

func TestDriver_OnWritePassingTests(t *testing.T) {
	runner := new(MockTestRunner)
	runner.On("RunTests", mock.Anything, testCmd).
		Return(schemas.Observation{OK: true, Output: "1 passed", Meta: map[string]interface{}{"returncode": 0}}).Once()

	model := newScriptedModel(readA, fixA, finalOK)
	d, sink, root := setupDriver(t, model, runner, agentConfig(config.TestOnWrite), noReflection())

	res, err := d.Run(context.Background(), "Fix add", testCmd)
	require.NoError(t, err)
	runner.AssertExpectations(t)

	assert.Equal(t, StateTerminated, d.State())
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, schemas.StateTerminated, res.Final.State)
	assert.Equal(t, "final", res.Final.Type)
	assert.Equal(t, "Fixed add", res.Final.Summary)
	require.NotNil(t, res.Final.TestResult)
	assert.True(t, res.Final.TestResult.OK)
	assert.Equal(t, "All tests passed.", res.Final.TestResult.Summary)
	assert.Equal(t, []schemas.Change{{Path: "a.py", Description: ChangeEditedFile}}, res.Final.Changes)
	assert.Equal(t, []string{"a.py"}, res.FilesTouched)

	assert.Len(t, sink.OfKind(trace.KindTests), 1)
	assert.Equal(t, 3, res.Stats.Steps)
	assert.Equal(t, 2, res.Stats.ToolCalls)
	assert.Equal(t, 1, res.Stats.TestRuns)
	assert.Equal(t, map[string]int{tools.ReadFile: 1, tools.WriteFile: 1}, res.Stats.ToolBreakdown)

	data, err := os.ReadFile(filepath.Join(root, "a.py"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "a + b")

	all := kinds(sink.Records())
	assert.Equal(t, trace.KindRunStart, all[0])
	assert.Equal(t, trace.KindFinal, all[len(all)-2])
	assert.Equal(t, trace.KindRunEnd, all[len(all)-1])
}

func TestDriver_OnFinalRunsTestsOnce(t *testing.T) {
	runner := new(MockTestRunner)
	runner.On("RunTests", mock.Anything, testCmd).
		Return(schemas.Observation{OK: true, Output: "1 passed"}).Once()

	model := newScriptedModel(fixA, fixA, `{"type":"tool_call","name":"write_file","args":{"rel_path":"b.py","content":"x"}}`, finalOK)
	d, sink, _ := setupDriver(t, model, runner, agentConfig(config.TestOnFinal), noReflection())

	res, err := d.Run(context.Background(), "Fix add", testCmd)
	require.NoError(t, err)
	runner.AssertNumberOfCalls(t, "RunTests", 1)

	all := kinds(sink.Records())
	testsAt := -1
	finalAt := -1
	for i, k := range all {
		switch k {
		case trace.KindTests:
			testsAt = i
		case trace.KindFinal:
			finalAt = i
		}
	}
	require.NotEqual(t, -1, testsAt)
	assert.Equal(t, testsAt+1, finalAt, "tests must run immediately before the final record")
	assert.Equal(t, []string{"a.py", "b.py"}, res.FilesTouched)
	assert.True(t, res.Final.TestResult.OK)
}

func TestDriver_NeverPolicySkipsTests(t *testing.T) {
	runner := new(MockTestRunner)
	model := newScriptedModel(fixA, finalOK)
	d, sink, _ := setupDriver(t, model, runner, agentConfig(config.TestNever), noReflection())

	res, err := d.Run(context.Background(), "Fix add", testCmd)
	require.NoError(t, err)
	runner.AssertNotCalled(t, "RunTests", mock.Anything, mock.Anything)
	assert.Empty(t, sink.OfKind(trace.KindTests))
	assert.Nil(t, res.Final.TestResult)
}

func TestDriver_OnWriteSkipsTestsAfterRejectedWrite(t *testing.T) {
	runner := new(MockTestRunner)
	runner.On("RunTests", mock.Anything, testCmd).
		Return(schemas.Observation{OK: true, Output: "1 passed"}).Once()

	escape := `{"type":"tool_call","name":"write_file","args":{"rel_path":"../escape.py","content":"x"}}`
	model := newScriptedModel(escape, fixA, finalOK)
	d, sink, _ := setupDriver(t, model, runner, agentConfig(config.TestOnWrite), noReflection())

	res, err := d.Run(context.Background(), "Fix add", testCmd)
	require.NoError(t, err)

	// Only the accepted write triggers a test run.
	runner.AssertNumberOfCalls(t, "RunTests", 1)
	assert.Len(t, sink.OfKind(trace.KindTests), 1)
	assert.Equal(t, 1, res.Stats.TestRuns)
	assert.Equal(t, []string{"a.py"}, res.FilesTouched)
}

func TestDriver_FinalWithoutEvidenceIsRejected(t *testing.T) {
	model := newScriptedModel(finalOK, listAll, finalOK)
	d, sink, _ := setupDriver(t, model, nil, agentConfig(config.TestNever), noReflection())

	res, err := d.Run(context.Background(), "What is the test command?", nil)
	require.NoError(t, err)

	assert.Equal(t, schemas.StateTerminated, res.Final.State)
	assert.Equal(t, 3, model.calls())
	assert.Contains(t, notesOf(d.Ledger()), NoteFinalNoEvidence)
	assert.Len(t, sink.OfKind(trace.KindFinal), 1)
	assert.Empty(t, res.Final.Changes)
	assert.NotNil(t, res.Final.Changes)
}

func TestDriver_ExhaustionSynthesizesResult(t *testing.T) {
	runner := new(MockTestRunner)
	runner.On("RunTests", mock.Anything, testCmd).
		Return(schemas.Observation{OK: false, Output: "\nFAILED test_x.py::test_add - assert -1 == 3\n1 failed"}).Once()

	cfg := agentConfig(config.TestOnFinal)
	cfg.MaxIters = 2
	model := newScriptedModel(fixA, readA)
	d, sink, _ := setupDriver(t, model, runner, cfg, noReflection())

	res, err := d.Run(context.Background(), "Fix add", testCmd)
	require.NoError(t, err)

	assert.Equal(t, StateAborted, d.State())
	assert.Equal(t, schemas.StateAborted, res.Final.State)
	assert.Equal(t, SummaryMaxIters, res.Final.Summary)
	assert.Equal(t, []schemas.Change{{Path: "a.py", Description: ChangeEditedFile}}, res.Final.Changes)
	require.NotNil(t, res.Final.TestResult)
	assert.False(t, res.Final.TestResult.OK)
	assert.Equal(t, "FAILED test_x.py::test_add - assert -1 == 3", res.Final.TestResult.Summary)

	end := sink.OfKind(trace.KindRunEnd)
	require.Len(t, end, 1)
	assert.Equal(t, string(StateAborted), end[0].Payload["state"])
}

func TestDriver_ParseErrorIsRecovered(t *testing.T) {
	model := newScriptedModel("I think I should read the file first.", listAll, finalOK)
	d, sink, _ := setupDriver(t, model, nil, agentConfig(config.TestNever), noReflection())

	res, err := d.Run(context.Background(), "Explore", nil)
	require.NoError(t, err)
	assert.Equal(t, schemas.StateTerminated, res.Final.State)
	assert.Equal(t, 1, res.Stats.ParseErrors)

	perr := sink.OfKind(trace.KindLLMParseError)
	require.Len(t, perr, 1)
	assert.Equal(t, "I think I should read the file first.", perr[0].Payload["raw"])

	notes := notesOf(d.Ledger())
	require.NotEmpty(t, notes)
	assert.True(t, strings.HasPrefix(notes[0], "Parse error: "))
}

func TestDriver_DriverOnlyToolInTypeIsRejectedByName(t *testing.T) {
	runner := new(MockTestRunner)
	model := newScriptedModel(`{"type":"run_tests"}`, finalOK)
	d, sink, _ := setupDriver(t, model, runner, agentConfig(config.TestNever), noReflection())

	res, err := d.Run(context.Background(), "Run the tests", testCmd)
	require.NoError(t, err)
	runner.AssertNotCalled(t, "RunTests", mock.Anything, mock.Anything)

	assert.Equal(t, 0, res.Stats.ParseErrors)
	assert.Empty(t, sink.OfKind(trace.KindLLMParseError))

	var obs []schemas.Observation
	for _, e := range d.Ledger().Entries() {
		if e.Kind == ledger.KindObservation && e.Tool == tools.RunTests {
			obs = append(obs, e.Observation)
		}
	}
	require.Len(t, obs, 1)
	assert.False(t, obs[0].OK)
	assert.Equal(t, string(ErrCodeUnknownTool), obs[0].Meta["error_code"])
	assert.Equal(t, schemas.StateTerminated, res.Final.State)
}

func TestDriver_TrailingTextIsFlagged(t *testing.T) {
	model := newScriptedModel(listAll+`{"type":"final","summary":"too early","changes":[]}`, finalOK)
	d, sink, _ := setupDriver(t, model, nil, agentConfig(config.TestNever), noReflection())

	res, err := d.Run(context.Background(), "Explore", nil)
	require.NoError(t, err)
	assert.Equal(t, "Fixed add", res.Final.Summary)

	trailing := sink.OfKind(trace.KindLLMTrailingText)
	require.Len(t, trailing, 1)
	assert.Contains(t, trailing[0].Payload["trailing"], "too early")
	assert.Contains(t, notesOf(d.Ledger()), NoteTrailingText)
}

func TestDriver_TransportFailureAborts(t *testing.T) {
	model := newScriptedModel(listAll, errors.New("503 service unavailable"))
	d, sink, _ := setupDriver(t, model, nil, agentConfig(config.TestNever), noReflection())

	res, err := d.Run(context.Background(), "Explore", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, schemas.StateAborted, res.Final.State)
	assert.True(t, strings.HasPrefix(res.Final.Summary, "Stopped: model transport failed:"))
	assert.Len(t, sink.OfKind(trace.KindRunEnd), 1)
}

func TestDriver_CancelledContextAborts(t *testing.T) {
	model := newScriptedModel(listAll)
	d, _, _ := setupDriver(t, model, nil, agentConfig(config.TestNever), noReflection())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := d.Run(ctx, "Explore", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, schemas.StateAborted, res.Final.State)
	assert.Equal(t, 0, model.calls())
}

func TestDriver_LoopDetection(t *testing.T) {
	cfg := agentConfig(config.TestNever)
	cfg.MaxIters = 5
	model := newScriptedModel(listAll, listAll, listAll, listAll, listAll)
	d, _, _ := setupDriver(t, model, nil, cfg, noReflection())

	res, err := d.Run(context.Background(), "Explore", nil)
	require.NoError(t, err)

	// Calls at t=0..2 arm the tripwire; t=3 and t=4 each see a loop.
	assert.Equal(t, 2, res.Stats.LoopDetections)
	assert.Contains(t, notesOf(d.Ledger()), NoteLoopDetected)
}

func TestDriver_ReflectionOnFailureFeedsNextPrompt(t *testing.T) {
	refCfg := config.ReflectionConfig{Enable: true, MaxReflections: 5, DedupWindow: 5, HistoryWindow: 8}
	model := newScriptedModel(
		`{"type":"tool_call","name":"read_file","args":{"rel_path":"missing.py","max_chars":100}}`,
		listAll,
		finalOK,
	).withReflections(`{"notes":["missing.py does not exist; list files first"],"next_focus":"list the repo root"}`)
	d, sink, _ := setupDriver(t, model, nil, agentConfig(config.TestNever), refCfg)

	res, err := d.Run(context.Background(), "Explore", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.Reflections)
	assert.Len(t, sink.OfKind(trace.KindReflectionRequest), 1)

	// The prompt after the reflection leads with its notes.
	require.GreaterOrEqual(t, len(model.requests), 2)
	user := model.requests[1][1].Content
	assert.Contains(t, user, "missing.py does not exist; list files first")
	assert.Less(t, strings.Index(user, "reflection_notes"), strings.Index(user, `"notes"`))
}

func TestDriver_ReflectionCap(t *testing.T) {
	cfg := agentConfig(config.TestNever)
	cfg.MaxIters = 6
	cfg.LoopTripwire = 0
	refCfg := config.ReflectionConfig{Enable: true, MaxReflections: 2, DedupWindow: 5, HistoryWindow: 8, ReflectOnSuccess: true}
	model := newScriptedModel().withReflections(
		`{"notes":["lesson one"]}`,
		`{"notes":["lesson one"]}`,
		`{"notes":["lesson three"]}`,
	)
	d, sink, _ := setupDriver(t, model, nil, cfg, refCfg)

	res, err := d.Run(context.Background(), "Explore", nil)
	require.NoError(t, err)

	assert.Len(t, model.reflectReqs, 2)
	refl := sink.OfKind(trace.KindReflection)
	require.Len(t, refl, 2)
	assert.Equal(t, false, refl[0].Payload["deduplicated"])
	assert.Equal(t, true, refl[1].Payload["deduplicated"])
	assert.Equal(t, []string{"lesson one"}, d.Ledger().Summarize(res.RunID).ReflectionNotes)
}

func TestDriver_ReflectionFailureBecomesNote(t *testing.T) {
	refCfg := config.ReflectionConfig{Enable: true, MaxReflections: 3, DedupWindow: 5, HistoryWindow: 8}
	model := newScriptedModel(
		`{"type":"tool_call","name":"grep","args":{"pattern":"x","rel_dir":"../.."}}`,
		listAll,
		finalOK,
	).withReflections("no json here")
	d, _, _ := setupDriver(t, model, nil, agentConfig(config.TestNever), refCfg)

	_, err := d.Run(context.Background(), "Explore", nil)
	require.NoError(t, err)

	var found bool
	for _, n := range notesOf(d.Ledger()) {
		if strings.HasPrefix(n, "Reflection parse failed: ") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestTestResultFrom(t *testing.T) {
	assert.Nil(t, testResultFrom(nil))

	tr := testResultFrom(&ledger.TestOutcome{OK: false, Output: ""})
	assert.Equal(t, "Tests failed.", tr.Summary)

	long := strings.Repeat("x", 900)
	tr = testResultFrom(&ledger.TestOutcome{OK: true, Output: long})
	assert.Equal(t, "All tests passed.", tr.Summary)
	assert.Len(t, tr.OutputSnippet, testSnippetChars)
}
