// internal/agent/controller.go
package agent

import (
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/repoagent/api/schemas"
	"github.com/xkilldash9x/repoagent/internal/action"
	"github.com/xkilldash9x/repoagent/internal/ledger"
	"github.com/xkilldash9x/repoagent/internal/llmutil"
	"github.com/xkilldash9x/repoagent/internal/tools"
	"github.com/xkilldash9x/repoagent/internal/trace"
)

// MaxObservationChars caps the output stored for any observation.
const MaxObservationChars = 12000

// toolHandler executes one validated tool call.
type toolHandler func(args map[string]interface{}) (schemas.Observation, error)

// Controller dispatches tool calls to the repository tool surface. It is the
// only component that mutates the workspace.
type Controller struct {
	logger   *zap.Logger
	repo     *tools.RepoTools
	ledger   *ledger.Ledger
	sink     trace.Sink
	handlers map[string]toolHandler
}

// NewController creates a controller that records into led and sink.
func NewController(logger *zap.Logger, repo *tools.RepoTools, led *ledger.Ledger, sink trace.Sink) *Controller {
	c := &Controller{
		logger:   logger.Named("controller"),
		repo:     repo,
		ledger:   led,
		sink:     sink,
		handlers: make(map[string]toolHandler),
	}
	c.registerHandlers()
	return c
}

func (c *Controller) registerHandlers() {
	c.handlers[tools.ListFiles] = func(args map[string]interface{}) (schemas.Observation, error) {
		return c.repo.ListFiles(args["rel_dir"].(string), args["max_files"].(int))
	}
	c.handlers[tools.ReadFile] = func(args map[string]interface{}) (schemas.Observation, error) {
		return c.repo.ReadFile(args["rel_path"].(string), args["max_chars"].(int))
	}
	c.handlers[tools.WriteFile] = func(args map[string]interface{}) (schemas.Observation, error) {
		return c.repo.WriteFile(args["rel_path"].(string), args["content"].(string))
	}
	c.handlers[tools.Grep] = func(args map[string]interface{}) (schemas.Observation, error) {
		return c.repo.Grep(args["pattern"].(string), args["rel_dir"].(string), args["max_hits"].(int))
	}
}

// Execute runs exactly one tool call and returns its observation. Every
// failure becomes an ok=false observation; nothing here ends the run.
func (c *Controller) Execute(t int, call action.ToolCall) schemas.Observation {
	obs, err := c.dispatch(call)
	if err != nil {
		te := classifyToolError(call.Name, err)
		c.logger.Debug("Tool call failed",
			zap.String("tool", call.Name),
			zap.String("error_code", string(te.Code)),
			zap.Error(te.Err))
		obs = schemas.Observation{
			OK:     false,
			Output: te.Error(),
			Meta:   map[string]interface{}{"error_code": string(te.Code)},
		}
	}

	out, cut := llmutil.TruncateRunes(obs.Output, MaxObservationChars)
	obs.Output = out
	obs.Truncated = obs.Truncated || cut

	if call.Name == tools.WriteFile && obs.OK {
		if rel, _ := obs.Meta["rel_path"].(string); rel != "" {
			note := "touched " + rel
			c.ledger.AppendDriverNote(note)
			c.sink.Log(trace.KindDriverNote, trace.Payload{"t": t, "note": note})
		}
	}

	c.ledger.AppendObservation(call.Name, obs)
	c.sink.Log(trace.KindToolResult, trace.Payload{"t": t, "tool": call.Name, "args": call.Args, "obs": obs})
	return obs
}

func (c *Controller) dispatch(call action.ToolCall) (schemas.Observation, error) {
	def, ok := tools.Lookup(call.Name)
	if !ok {
		return schemas.Observation{}, newToolError(ErrCodeUnknownTool, call.Name,
			"unknown tool %q; allowed: %s", call.Name, strings.Join(tools.ModelToolNames(), ", "))
	}
	if def.DriverOnly {
		return schemas.Observation{}, newToolError(ErrCodeUnknownTool, call.Name, "%s is driver-only", call.Name)
	}

	args, err := validateArgs(def, call.Args)
	if err != nil {
		return schemas.Observation{}, err
	}

	handler, ok := c.handlers[def.Name]
	if !ok {
		return schemas.Observation{}, newToolError(ErrCodeUnknownTool, call.Name, "no handler registered for %s", call.Name)
	}
	return handler(args)
}

// validateArgs checks args against the tool's schema and converts JSON
// numbers for integer arguments.
func validateArgs(def tools.Definition, raw map[string]interface{}) (map[string]interface{}, error) {
	known := make(map[string]tools.Arg, len(def.Args))
	for _, a := range def.Args {
		known[a.Name] = a
	}

	var unexpected []string
	for k := range raw {
		if _, ok := known[k]; !ok {
			unexpected = append(unexpected, k)
		}
	}
	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		return nil, newToolError(ErrCodeInvalidArgs, def.Name, "unexpected args for %s: %s", def.Name, strings.Join(unexpected, ", "))
	}

	var missing []string
	for _, name := range def.RequiredArgs() {
		if _, ok := raw[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, newToolError(ErrCodeInvalidArgs, def.Name, "missing required args for %s: %s", def.Name, strings.Join(missing, ", "))
	}

	out := make(map[string]interface{}, len(def.Args))
	for _, a := range def.Args {
		v, present := raw[a.Name]
		if !present {
			continue
		}
		switch a.Type {
		case "integer":
			n, ok := toInt(v)
			if !ok {
				return nil, newToolError(ErrCodeInvalidArgs, def.Name, "%s must be an integer, got %T", a.Name, v)
			}
			out[a.Name] = n
		default:
			s, ok := v.(string)
			if !ok {
				return nil, newToolError(ErrCodeInvalidArgs, def.Name, "%s must be a string, got %T", a.Name, v)
			}
			out[a.Name] = s
		}
	}
	return out, nil
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
