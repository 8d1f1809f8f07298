// internal/action/action.go
package action

import (
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/repoagent/api/schemas"
	"github.com/xkilldash9x/repoagent/internal/llmutil"
	"github.com/xkilldash9x/repoagent/internal/tools"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind is the discriminator of the action union.
type Kind string

const (
	KindToolCall Kind = "tool_call"
	KindFinal    Kind = "final"
)

// Action is one model turn. The only implementations are ToolCall and Final.
type Action interface {
	Kind() Kind
	// ToMap renders the action in its canonical wire shape.
	ToMap() map[string]interface{}
	sealed()
}

// ToolCall instructs the controller to invoke exactly one tool.
type ToolCall struct {
	Name    string
	Args    map[string]interface{}
	Thought string
}

func (ToolCall) Kind() Kind { return KindToolCall }
func (ToolCall) sealed()    {}

func (a ToolCall) ToMap() map[string]interface{} {
	args := a.Args
	if args == nil {
		args = map[string]interface{}{}
	}
	m := map[string]interface{}{"type": string(KindToolCall), "name": a.Name, "args": args}
	if a.Thought != "" {
		m["thought"] = a.Thought
	}
	return m
}

// Final ends the run with a summary of the work done.
type Final struct {
	Summary string
	Changes []schemas.Change
	Thought string
}

func (Final) Kind() Kind { return KindFinal }
func (Final) sealed()    {}

func (a Final) ToMap() map[string]interface{} {
	changes := make([]map[string]interface{}, 0, len(a.Changes))
	for _, c := range a.Changes {
		changes = append(changes, map[string]interface{}{"path": c.Path, "description": c.Description})
	}
	m := map[string]interface{}{"type": string(KindFinal), "summary": a.Summary, "changes": changes}
	if a.Thought != "" {
		m["thought"] = a.Thought
	}
	return m
}

// ParseError reports model output that is not exactly one valid action.
// Raw holds the full model text for the audit trail.
type ParseError struct {
	Reason string
	Raw    string
}

func (e *ParseError) Error() string {
	return "action parse error: " + e.Reason
}

// IsParseError reports whether err is, or wraps, a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Parsed is the result of decoding one model response.
type Parsed struct {
	Action Action
	// Object is the JSON text the action was decoded from.
	Object string
	// Trailing is any text that followed the first object. It is never parsed.
	Trailing string
}

// Parse decodes the first JSON object in raw into an Action.
func Parse(raw string) (Parsed, error) {
	object, trailing, err := llmutil.ExtractFirstObject(raw)
	if err != nil {
		return Parsed{}, &ParseError{Reason: err.Error(), Raw: raw}
	}

	var obj map[string]interface{}
	if err := json.UnmarshalFromString(object, &obj); err != nil {
		return Parsed{}, &ParseError{Reason: fmt.Sprintf("invalid JSON object: %v", err), Raw: raw}
	}

	a, err := FromMap(obj)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Raw = raw
		}
		return Parsed{}, err
	}
	return Parsed{Action: a, Object: object, Trailing: trailing}, nil
}

// FromMap validates a decoded object and converts it into an Action. Any known
// tool name misplaced in the "type" field is coerced into a tool call, driver-only
// tools included, so the controller can reject those by name.
func FromMap(obj map[string]interface{}) (Action, error) {
	if obj == nil {
		return nil, &ParseError{Reason: "action must be a JSON object"}
	}

	typ, _ := obj["type"].(string)
	if _, known := tools.Lookup(typ); known && obj["name"] == nil {
		obj = map[string]interface{}{
			"type":    string(KindToolCall),
			"name":    typ,
			"args":    valueOr(obj["args"], map[string]interface{}{}),
			"thought": obj["thought"],
		}
		typ = string(KindToolCall)
	}

	switch Kind(typ) {
	case KindToolCall:
		return toolCallFromMap(obj)
	case KindFinal:
		return finalFromMap(obj)
	default:
		return nil, &ParseError{Reason: fmt.Sprintf("unknown action type: %v", obj["type"])}
	}
}

func toolCallFromMap(obj map[string]interface{}) (Action, error) {
	name, ok := obj["name"].(string)
	if !ok || name == "" {
		return nil, &ParseError{Reason: "tool_call requires non-empty string name"}
	}
	rawArgs, ok := obj["args"].(map[string]interface{})
	if !ok {
		return nil, &ParseError{Reason: "tool_call requires args object"}
	}

	args := make(map[string]interface{}, len(rawArgs))
	for k, v := range rawArgs {
		args[k] = v
	}

	thought, err := optionalString(obj["thought"], "tool_call thought")
	if err != nil {
		return nil, err
	}
	if obj["thought"] == nil {
		if nested, present := args["thought"]; present {
			delete(args, "thought")
			if thought, err = optionalString(nested, "tool_call thought"); err != nil {
				return nil, err
			}
		}
	}

	return ToolCall{Name: name, Args: args, Thought: thought}, nil
}

func finalFromMap(obj map[string]interface{}) (Action, error) {
	summary, ok := obj["summary"].(string)
	if !ok || strings.TrimSpace(summary) == "" {
		return nil, &ParseError{Reason: "final requires non-empty summary string"}
	}

	rawChanges := valueOr(obj["changes"], []interface{}{})
	list, ok := rawChanges.([]interface{})
	if !ok {
		return nil, &ParseError{Reason: "final requires changes array"}
	}

	changes := make([]schemas.Change, 0, len(list))
	for i, item := range list {
		ch, ok := item.(map[string]interface{})
		if !ok || len(ch) != 2 {
			return nil, &ParseError{Reason: fmt.Sprintf("change %d must be {path, description}", i)}
		}
		path, okPath := ch["path"].(string)
		desc, okDesc := ch["description"].(string)
		_, hasPath := ch["path"]
		_, hasDesc := ch["description"]
		if !hasPath || !hasDesc {
			return nil, &ParseError{Reason: fmt.Sprintf("change %d must be {path, description}", i)}
		}
		if !okPath || !okDesc {
			return nil, &ParseError{Reason: fmt.Sprintf("change %d path/description must be strings", i)}
		}
		changes = append(changes, schemas.Change{Path: path, Description: desc})
	}

	thought, err := optionalString(obj["thought"], "final thought")
	if err != nil {
		return nil, err
	}
	return Final{Summary: summary, Changes: changes, Thought: thought}, nil
}

func optionalString(v interface{}, field string) (string, error) {
	if v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &ParseError{Reason: field + " must be a string if present"}
	}
	return s, nil
}

func valueOr(v, fallback interface{}) interface{} {
	if v == nil {
		return fallback
	}
	return v
}

// MarshalAction renders an action as compact JSON.
func MarshalAction(a Action) (string, error) {
	return json.MarshalToString(a.ToMap())
}
