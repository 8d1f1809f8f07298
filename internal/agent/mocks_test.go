package agent

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/repoagent/api/schemas"
	"github.com/xkilldash9x/repoagent/internal/action"
	"github.com/xkilldash9x/repoagent/internal/ledger"
)

// -- Scripted Model --

// scriptedModel replays a fixed list of raw responses through the real
// action parser. An error entry is returned as a transport failure.
type scriptedModel struct {
	mu          sync.Mutex
	responses   []interface{}
	reflections []interface{}
	requests    [][]schemas.Message
	reflectReqs [][]schemas.Message
}

func newScriptedModel(responses ...interface{}) *scriptedModel {
	return &scriptedModel{responses: responses}
}

func (m *scriptedModel) withReflections(r ...interface{}) *scriptedModel {
	m.reflections = r
	return m
}

func (m *scriptedModel) NextAction(ctx context.Context, messages []schemas.Message) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, messages)

	if len(m.responses) == 0 {
		// Keep the run alive with a harmless read until the bound is hit.
		return m.decide(`{"type":"tool_call","name":"list_files","args":{"rel_dir":".","max_files":5}}`)
	}
	next := m.responses[0]
	m.responses = m.responses[1:]
	if err, ok := next.(error); ok {
		return Decision{}, err
	}
	return m.decide(next.(string))
}

func (m *scriptedModel) decide(raw string) (Decision, error) {
	p, err := action.Parse(raw)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Action: p.Action, Raw: raw, Trailing: p.Trailing}, nil
}

func (m *scriptedModel) Reflect(ctx context.Context, messages []schemas.Message) (ledger.Reflection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reflectReqs = append(m.reflectReqs, messages)

	if len(m.reflections) == 0 {
		return ledger.Reflection{}, ErrReflectionUnsupported
	}
	next := m.reflections[0]
	m.reflections = m.reflections[1:]
	if err, ok := next.(error); ok {
		return ledger.Reflection{}, err
	}
	return action.ParseReflection(next.(string))
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// -- Test Runner Mock --

// MockTestRunner mocks the tools.TestRunner interface.
type MockTestRunner struct {
	mock.Mock
}

func (m *MockTestRunner) RunTests(ctx context.Context, cmd []string) schemas.Observation {
	args := m.Called(ctx, cmd)
	return args.Get(0).(schemas.Observation)
}
