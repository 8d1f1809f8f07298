// internal/agent/models.go
package agent

import "errors"

// DriverState is the driver's current phase within one run.
type DriverState string

const (
	StateAwaitingAction DriverState = "AWAITING_ACTION" // Waiting on the model for the next action.
	StateDispatching    DriverState = "DISPATCHING"     // Executing a tool call through the controller.
	StateTestGate       DriverState = "TEST_GATE"       // Running the test command under the test policy.
	StateTerminated     DriverState = "TERMINATED"      // An accepted final action ended the run.
	StateAborted        DriverState = "ABORTED"         // The run ended without an accepted final action.
)

// Driver notes appended to the ledger. The loop note prefix is matched by
// trace counters.
const (
	NoteLoopDetected    = "Loop detected: change approach, inspect different evidence, then replan."
	NoteTrailingText    = "Model returned extra/trailing JSON; only the first object was used."
	NoteFinalNoEvidence = "Final rejected: no tool observation yet. Call a tool and inspect its result before answering."
	SummaryMaxIters     = "Stopped: max iters reached."
	ChangeEditedFile    = "Edited file"
)

// ErrReflectionUnsupported is returned by models that cannot reflect.
var ErrReflectionUnsupported = errors.New("model does not support reflection")
