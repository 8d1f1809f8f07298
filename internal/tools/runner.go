// internal/tools/runner.go
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/xkilldash9x/repoagent/api/schemas"
)

// TestRunner executes the driver's test command. Only the driver holds one;
// the model cannot reach it.
type TestRunner interface {
	RunTests(ctx context.Context, cmd []string) schemas.Observation
}

// CommandRunner runs a test command inside a workspace with a timeout.
type CommandRunner struct {
	dir     string
	timeout time.Duration
}

// NewCommandRunner creates a runner for the given workspace.
func NewCommandRunner(dir string, timeout time.Duration) *CommandRunner {
	return &CommandRunner{dir: dir, timeout: timeout}
}

// RunTests runs cmd and combines stdout and stderr. A non-zero exit, a start
// failure, or a timeout yields ok=false.
func (c *CommandRunner) RunTests(ctx context.Context, cmd []string) schemas.Observation {
	meta := map[string]interface{}{"cmd": cmd}
	if len(cmd) == 0 {
		return schemas.Observation{OK: false, Output: "No test command configured.", Meta: meta}
	}

	runCtx := ctx
	cancel := func() {}
	if c.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	defer cancel()

	proc := exec.CommandContext(runCtx, cmd[0], cmd[1:]...)
	proc.Dir = c.dir
	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	err := proc.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		meta["timeout_s"] = int(c.timeout.Seconds())
		return schemas.Observation{
			OK:     false,
			Output: fmt.Sprintf("Timed out after %ds running: %s", int(c.timeout.Seconds()), strings.Join(cmd, " ")),
			Meta:   meta,
		}
	}

	out := stdout.String()
	if stderr.Len() > 0 {
		out += "\n" + stderr.String()
	}
	out = strings.TrimSpace(out)

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
			out = strings.TrimSpace(out + "\n" + fmt.Sprintf("failed to start test command: %v", err))
		}
	}
	meta["returncode"] = code
	return schemas.Observation{OK: err == nil, Output: out, Meta: meta}
}
