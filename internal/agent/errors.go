// internal/agent/errors.go
package agent

import (
	"errors"
	"fmt"

	"github.com/xkilldash9x/repoagent/internal/tools"
)

// ErrorCode is a string type used for structured error reporting from the
// action controller. Using a custom type ensures that only predefined constants
// can be used where an ErrorCode is expected.
type ErrorCode string

const (
	// ErrCodeInvalidArgs means a required argument was missing or had the wrong type.
	ErrCodeInvalidArgs ErrorCode = "INVALID_ARGS"
	// ErrCodePathOutsideSandbox means a path was absolute or resolved outside the repo root.
	ErrCodePathOutsideSandbox ErrorCode = "PATH_OUTSIDE_SANDBOX"
	// ErrCodeUnknownTool means the name is not a model-callable tool.
	ErrCodeUnknownTool ErrorCode = "UNKNOWN_TOOL"
	// ErrCodeExecutionError covers I/O and other runtime failures.
	ErrCodeExecutionError ErrorCode = "EXECUTION_ERROR"
)

// ToolError is a failed tool dispatch. The controller renders it as an ok=false
// observation; it never ends a run.
type ToolError struct {
	Code ErrorCode
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

func newToolError(code ErrorCode, tool string, format string, args ...interface{}) *ToolError {
	return &ToolError{Code: code, Tool: tool, Err: fmt.Errorf(format, args...)}
}

// classifyToolError maps a tool failure onto an ErrorCode.
func classifyToolError(tool string, err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	switch {
	case errors.Is(err, tools.ErrPathOutsideSandbox):
		return &ToolError{Code: ErrCodePathOutsideSandbox, Tool: tool, Err: err}
	case errors.Is(err, tools.ErrInvalidArgument):
		return &ToolError{Code: ErrCodeInvalidArgs, Tool: tool, Err: err}
	default:
		return &ToolError{Code: ErrCodeExecutionError, Tool: tool, Err: err}
	}
}
