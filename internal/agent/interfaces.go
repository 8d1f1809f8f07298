// File: internal/agent/interfaces.go
package agent

import (
	"context"

	"github.com/xkilldash9x/repoagent/api/schemas"
	"github.com/xkilldash9x/repoagent/internal/action"
	"github.com/xkilldash9x/repoagent/internal/ledger"
)

// Decision is one parsed model turn together with the raw text it came from.
type Decision struct {
	Action   action.Action
	Raw      string
	Trailing string
}

// Model is the transport seen by the driver. NextAction returns an
// *action.ParseError for malformed output; any other error is a transport
// failure. Reflect returns an *action.ReflectionParseError for malformed notes.
type Model interface {
	NextAction(ctx context.Context, messages []schemas.Message) (Decision, error)
	Reflect(ctx context.Context, messages []schemas.Message) (ledger.Reflection, error)
}

// ModelFunc adapts plain functions to Model. Either field may be nil.
type ModelFunc struct {
	NextActionFn func(ctx context.Context, messages []schemas.Message) (Decision, error)
	ReflectFn    func(ctx context.Context, messages []schemas.Message) (ledger.Reflection, error)
}

func (m ModelFunc) NextAction(ctx context.Context, messages []schemas.Message) (Decision, error) {
	return m.NextActionFn(ctx, messages)
}

func (m ModelFunc) Reflect(ctx context.Context, messages []schemas.Message) (ledger.Reflection, error) {
	if m.ReflectFn == nil {
		return ledger.Reflection{}, ErrReflectionUnsupported
	}
	return m.ReflectFn(ctx, messages)
}
