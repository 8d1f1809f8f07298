// internal/llmclient/adapter.go
package llmclient

import (
	"context"

	"github.com/xkilldash9x/repoagent/api/schemas"
	"github.com/xkilldash9x/repoagent/internal/action"
	"github.com/xkilldash9x/repoagent/internal/agent"
	"github.com/xkilldash9x/repoagent/internal/ledger"
)

// ModelAdapter turns a raw LLMClient into the driver's Model. Sampling options
// are fixed per work unit so each rollout keeps its own seed and temperature.
type ModelAdapter struct {
	client  schemas.LLMClient
	options schemas.GenerationOptions
}

var _ agent.Model = (*ModelAdapter)(nil)

// NewModelAdapter wraps client with the given sampling options.
func NewModelAdapter(client schemas.LLMClient, options schemas.GenerationOptions) *ModelAdapter {
	return &ModelAdapter{client: client, options: options}
}

// NextAction asks the action tier for the next step. Transport failures are
// returned as-is; malformed output comes back as *action.ParseError.
func (m *ModelAdapter) NextAction(ctx context.Context, messages []schemas.Message) (agent.Decision, error) {
	resp, err := m.client.Generate(ctx, schemas.GenerationRequest{
		Messages: messages,
		Tier:     schemas.TierAction,
		Options:  m.options,
	})
	if err != nil {
		return agent.Decision{}, err
	}

	parsed, err := action.Parse(resp.Content)
	if err != nil {
		return agent.Decision{}, err
	}
	return agent.Decision{Action: parsed.Action, Raw: resp.Content, Trailing: parsed.Trailing}, nil
}

// Reflect asks the reflection tier for corrective notes.
func (m *ModelAdapter) Reflect(ctx context.Context, messages []schemas.Message) (ledger.Reflection, error) {
	resp, err := m.client.Generate(ctx, schemas.GenerationRequest{
		Messages: messages,
		Tier:     schemas.TierReflection,
		Options:  m.options,
	})
	if err != nil {
		return ledger.Reflection{}, err
	}
	return action.ParseReflection(resp.Content)
}
