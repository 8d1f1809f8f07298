// internal/agent/prompts.go
package agent

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/repoagent/api/schemas"
	"github.com/xkilldash9x/repoagent/internal/ledger"
	"github.com/xkilldash9x/repoagent/internal/llmutil"
	"github.com/xkilldash9x/repoagent/internal/tools"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// MaxStateChars bounds the serialized state in the action prompt.
	MaxStateChars = 6000
	// MaxReflectionPromptChars bounds the serialized reflection context.
	MaxReflectionPromptChars = 8000
)

// SystemPrompt is the fixed contract given to the action model.
func SystemPrompt() string {
	spec, _ := json.MarshalIndent(tools.PromptSpec(), "", "  ")

	var b strings.Builder
	b.WriteString("You are a repo-fixing agent.\n")
	b.WriteString("You operate in a loop: choose ONE action, then wait for the tool result.\n\n")

	b.WriteString("OUTPUT CONTRACT (STRICT):\n")
	b.WriteString("- Output EXACTLY ONE JSON object. No extra text. No markdown.\n")
	b.WriteString("- Never output multiple JSON objects.\n")
	b.WriteString("- If your response accidentally contains multiple JSON objects or trailing text, the agent will parse only the first JSON object and ignore the rest.\n")
	b.WriteString("- If more work is needed, choose the single best next tool_call and stop.\n\n")

	b.WriteString("ALLOWED ACTIONS:\n")
	b.WriteString(`A) {"type":"tool_call","name":<tool_name>,"args":{...}}` + "\n")
	b.WriteString(`B) {"type":"final","summary":"...","changes":[{"path":"...","description":"..."}]}` + "\n\n")

	b.WriteString("EXAMPLES:\n")
	b.WriteString(`Example tool_call: {"type":"tool_call","name":"list_files","args":{"rel_dir":".","max_files":20}}` + "\n")
	b.WriteString(`Example final: {"type":"final","summary":"Found test command: pytest","changes":[]}` + "\n\n")

	b.WriteString("TOOL_CALL RULES:\n")
	b.WriteString("- type must be exactly 'tool_call'.\n")
	b.WriteString("- name must be EXACTLY one of: " + strings.Join(tools.ModelToolNames(), ", ") + "\n")
	b.WriteString("- args must be an object.\n")
	b.WriteString("- Never put a tool name in the 'type' field.\n")
	b.WriteString("- NEVER call run_tests (driver-only).\n\n")

	b.WriteString("EVIDENCE RULE:\n")
	b.WriteString(`- You MUST NOT answer with type="final" until you have called at least one tool and seen its result.` + "\n")
	b.WriteString("- For determining test commands, you must:\n")
	b.WriteString("1) call list_files on the repo root\n")
	b.WriteString("2) if unclear, grep for: pytest, package.json, pyproject.toml, requirements, Makefile, setup.cfg, tox.ini\n")
	b.WriteString("Only then may you answer.\n\n")

	b.WriteString("FINAL RULES:\n")
	b.WriteString("- Use type='final' ONLY when you can answer the goal with high confidence.\n")
	b.WriteString("- 'changes' should be [] if you made no file edits.\n\n")

	b.WriteString("TOOLS:\n")
	b.Write(spec)
	b.WriteString("\n")
	return b.String()
}

// promptState orders the summary ahead of the history window.
type promptState struct {
	State   ledger.Summary           `json:"state"`
	History []map[string]interface{} `json:"history"`
}

// UserPrompt renders the goal and compact state.
func UserPrompt(goal string, summary ledger.Summary, history []map[string]interface{}) string {
	if history == nil {
		history = []map[string]interface{}{}
	}
	state, err := json.MarshalIndent(promptState{State: summary, History: history}, "", "  ")
	if err != nil {
		state = []byte(fmt.Sprintf(`{"error": %q}`, err.Error()))
	}
	compact, _ := llmutil.TruncateRunes(string(state), MaxStateChars)
	return fmt.Sprintf("GOAL:\n%s\n\nSTATE (compact):\n%s\n", goal, compact)
}

// CompilePrompt builds the conversation for one action request.
func CompilePrompt(goal string, summary ledger.Summary, history []map[string]interface{}) []schemas.Message {
	return []schemas.Message{
		{Role: schemas.RoleSystem, Content: SystemPrompt()},
		{Role: schemas.RoleUser, Content: UserPrompt(goal, summary, history)},
	}
}

// GoalPrompt is the minimal user turn recorded with preference pairs.
func GoalPrompt(goal string) string {
	return "GOAL:\n" + goal
}

// -- Reflection Prompts --

// ReflectionSystemPrompt is the contract given to the reflection model.
func ReflectionSystemPrompt() string {
	return "You are a reflection module.\n" +
		"You DO NOT choose tools. You DO NOT edit files. You only produce durable lessons from the latest evidence.\n\n" +
		"OUTPUT CONTRACT (STRICT):\n" +
		"- Output EXACTLY ONE JSON object. No extra text. No markdown.\n" +
		"- Fields:\n" +
		"  notes: list of 1-3 short strings (<=200 chars) with actionable lessons grounded in the latest observation.\n" +
		"  next_focus: optional string (<=200 chars) with the single most important next probe/fix.\n" +
		"  risks: optional list of short strings for pitfalls to avoid.\n" +
		"- Never emit tool calls. Never include multiple JSON objects.\n"
}

type reflectionState struct {
	Goal              string                   `json:"goal"`
	Summary           ledger.Summary           `json:"summary"`
	RecentEvents      []map[string]interface{} `json:"recent_events"`
	LatestObservation map[string]interface{}   `json:"latest_observation"`
}

// ReflectionUserPrompt renders the evidence the reflection model reasons over.
func ReflectionUserPrompt(goal string, summary ledger.Summary, recent []map[string]interface{}, latest map[string]interface{}) string {
	if recent == nil {
		recent = []map[string]interface{}{}
	}
	data, err := json.MarshalIndent(reflectionState{
		Goal:              goal,
		Summary:           summary,
		RecentEvents:      recent,
		LatestObservation: latest,
	}, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"goal": %q}`, goal)
	}
	out, _ := llmutil.TruncateRunes(string(data), MaxReflectionPromptChars)
	return out
}

// CompileReflectionPrompt builds the conversation for one reflection request.
func CompileReflectionPrompt(goal string, summary ledger.Summary, recent []map[string]interface{}, latest map[string]interface{}) []schemas.Message {
	return []schemas.Message{
		{Role: schemas.RoleSystem, Content: ReflectionSystemPrompt()},
		{Role: schemas.RoleUser, Content: ReflectionUserPrompt(goal, summary, recent, latest)},
	}
}
