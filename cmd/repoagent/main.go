// File: cmd/repoagent/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/repoagent/cmd"
	"github.com/xkilldash9x/repoagent/internal/observability"
)

const panicLogFile = "panic.log"

// Swapped in tests.
var (
	osWriteFile = os.WriteFile
	osExit      = os.Exit
	execute     = cmd.Execute
)

func main() {
	defer handlePanic()

	// Ctrl+C cancels in-flight rollouts; the engine records them as failed.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	osExit(exitCode(execute(ctx)))
}

// exitCode maps a command error to the process status. Cancellation by
// signal is a clean exit.
func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	default:
		return 1
	}
}

// handlePanic flushes logs and records the stack to panicLogFile.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	panicMessage := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := osWriteFile(panicLogFile, []byte(panicMessage), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n", err)
		fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", panicMessage)
		osExit(2)
		return
	}
	fmt.Fprintf(os.Stderr, "repoagent crashed: %v\nDetails logged to %s\n", r, panicLogFile)
	osExit(2)
}
