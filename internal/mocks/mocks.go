// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/repoagent/api/schemas"
	"github.com/xkilldash9x/repoagent/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Agent() config.AgentConfig {
	args := m.Called()
	return args.Get(0).(config.AgentConfig)
}

func (m *MockConfig) Reflection() config.ReflectionConfig {
	args := m.Called()
	return args.Get(0).(config.ReflectionConfig)
}

func (m *MockConfig) LLM() config.LLMConfig {
	args := m.Called()
	return args.Get(0).(config.LLMConfig)
}

func (m *MockConfig) Backoff() config.BackoffConfig {
	args := m.Called()
	return args.Get(0).(config.BackoffConfig)
}

func (m *MockConfig) Sandbox() config.SandboxConfig {
	args := m.Called()
	return args.Get(0).(config.SandboxConfig)
}

func (m *MockConfig) Rollout() config.RolloutConfig {
	args := m.Called()
	return args.Get(0).(config.RolloutConfig)
}

func (m *MockConfig) Eval() config.EvalConfig {
	args := m.Called()
	return args.Get(0).(config.EvalConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Metrics() config.MetricsConfig {
	args := m.Called()
	return args.Get(0).(config.MetricsConfig)
}

// --- Setters ---

func (m *MockConfig) SetAgentMaxIters(n int)                 { m.Called(n) }
func (m *MockConfig) SetAgentTestPolicy(p config.TestPolicy) { m.Called(p) }
func (m *MockConfig) SetRolloutCount(n int)                  { m.Called(n) }
func (m *MockConfig) SetRolloutWorkers(n int)                { m.Called(n) }

// -- LLM Client Mock --

// MockLLMClient mocks schemas.LLMClient.
type MockLLMClient struct {
	mock.Mock
}

var _ schemas.LLMClient = (*MockLLMClient)(nil)

func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (schemas.GenerationResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(schemas.GenerationResponse), args.Error(1)
}

func (m *MockLLMClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

// -- Scripted LLM Client --

// Script produces the raw model reply for one request. The step argument
// counts action-tier requests already answered for the same run key.
type Script func(req schemas.GenerationRequest, step int) (string, error)

// ScriptedLLMClient answers requests from a Script. Requests are keyed by the
// goal line of the user prompt plus the seed, so concurrent runs of different
// tasks and rollouts each see their own step counter. Safe for concurrent use.
type ScriptedLLMClient struct {
	mu     sync.Mutex
	script Script
	steps  map[string]int
	calls  int
	closed bool
}

var _ schemas.LLMClient = (*ScriptedLLMClient)(nil)

// NewScriptedLLMClient wraps script.
func NewScriptedLLMClient(script Script) *ScriptedLLMClient {
	return &ScriptedLLMClient{script: script, steps: make(map[string]int)}
}

func (c *ScriptedLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (schemas.GenerationResponse, error) {
	if err := ctx.Err(); err != nil {
		return schemas.GenerationResponse{}, err
	}

	c.mu.Lock()
	c.calls++
	key := RunKey(req)
	step := c.steps[key]
	if req.Tier != schemas.TierReflection {
		c.steps[key] = step + 1
	}
	c.mu.Unlock()

	content, err := c.script(req, step)
	if err != nil {
		return schemas.GenerationResponse{}, err
	}
	return schemas.GenerationResponse{Content: content, Model: "scripted"}, nil
}

// Calls returns the number of Generate invocations.
func (c *ScriptedLLMClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Closed reports whether Close was called.
func (c *ScriptedLLMClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *ScriptedLLMClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// RunKey identifies the run a request belongs to.
func RunKey(req schemas.GenerationRequest) string {
	seed := "-"
	if req.Options.Seed != nil {
		seed = strconv.Itoa(*req.Options.Seed)
	}
	return Goal(req) + "|" + seed
}

// Goal extracts the goal text from the first user message, which starts with
// "GOAL:\n". Empty when absent.
func Goal(req schemas.GenerationRequest) string {
	for _, m := range req.Messages {
		if m.Role != schemas.RoleUser {
			continue
		}
		rest, ok := strings.CutPrefix(m.Content, "GOAL:\n")
		if !ok {
			continue
		}
		if i := strings.Index(rest, "\n\n"); i >= 0 {
			rest = rest[:i]
		}
		return rest
	}
	return ""
}
