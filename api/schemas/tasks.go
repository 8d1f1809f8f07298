package schemas

import "strings"

// -- Task Schemas --

// TaskSpec is one unit of evaluation: a repository, a goal for the agent and
// the command that decides success.
type TaskSpec struct {
	TaskID   string                 `json:"task_id" yaml:"task_id" mapstructure:"task_id" validate:"required"`
	Repo     string                 `json:"repo" yaml:"repo" mapstructure:"repo" validate:"required"`
	Goal     string                 `json:"goal" yaml:"goal" mapstructure:"goal" validate:"required"`
	TestCmd  string                 `json:"test_cmd" yaml:"test_cmd" mapstructure:"test_cmd"`
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty" mapstructure:"metadata"`
}

// TestCommand splits TestCmd on whitespace. An empty command yields nil.
func (t TaskSpec) TestCommand() []string {
	fields := strings.Fields(t.TestCmd)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// Category returns metadata["category"], or "uncategorized".
func (t TaskSpec) Category() string {
	if c, ok := t.Metadata["category"].(string); ok && c != "" {
		return c
	}
	return "uncategorized"
}

// Suite is an ordered collection of tasks sharing defaults.
type Suite struct {
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Defaults    map[string]interface{} `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Tasks       []TaskSpec             `json:"tasks" yaml:"tasks" validate:"dive"`
}
