package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/tandem/pkg/protocol"
)

var (
	// ErrRunClosed is returned by Handle methods once the run has ended.
	ErrRunClosed = errors.New("run closed")
	// ErrBusy is returned by Dispatch under the reject policy.
	ErrBusy = errors.New("session busy")
	// ErrRunTimeout is the cancellation cause when a run exceeds its max duration.
	ErrRunTimeout = errors.New("run timed out")
	// ErrInterrupted is the cancellation cause of an explicit interrupt.
	ErrInterrupted = errors.New("interrupted")
	// ErrReplaced is the cancellation cause when a newer event replaces the run.
	ErrReplaced = errors.New("replaced by newer event")
	// ErrRunnerClosed is returned by Dispatch after Close.
	ErrRunnerClosed = errors.New("runner closed")
)

// Handler reacts to one inbound event by building steps through h. It must
// return promptly once ctx is done.
type Handler func(ctx context.Context, evt protocol.Inbound, h *Handle) error

// State is the runner state.
type State string

const (
	StateIdle                 State = "idle"
	StateRunning              State = "running"
	StateAwaitingCancellation State = "awaiting-cancellation"
	StateCompleted            State = "completed"
	StateCancelled            State = "cancelled"
	StateErrored              State = "errored"
)

// Terminal reports whether s is a run outcome.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateErrored
}

// Policy decides what happens to an event that arrives while a run is active.
type Policy string

const (
	// PolicyReject refuses the event with ErrBusy.
	PolicyReject Policy = "reject"
	// PolicyQueue keeps the latest event and runs it after the active run.
	PolicyQueue Policy = "queue"
	// PolicyInterruptAndReplace cancels the active run and runs the event next.
	PolicyInterruptAndReplace Policy = "interrupt-and-replace"
)

// DefaultPolicy is used when none is configured.
const DefaultPolicy = PolicyInterruptAndReplace

// ParsePolicy validates a policy name. Empty selects DefaultPolicy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case "":
		return DefaultPolicy, nil
	case PolicyReject, PolicyQueue, PolicyInterruptAndReplace:
		return p, nil
	default:
		return "", fmt.Errorf("unknown queue policy %q", s)
	}
}

// DispatchResult describes what Dispatch did with an event.
type DispatchResult string

const (
	DispatchStarted  DispatchResult = "started"
	DispatchQueued   DispatchResult = "queued"
	DispatchReplaced DispatchResult = "replaced"
)

// Outcome summarizes a finished run.
type Outcome struct {
	RunID     string
	State     State
	Cause     error
	Started   time.Time
	Duration  time.Duration
	Finalized int
}

// HandlerFault wraps an error returned by a handler or a recovered panic.
type HandlerFault struct {
	Err   error
	Panic interface{}
	Stack []byte
}

func (f *HandlerFault) Error() string {
	if f.Panic != nil {
		return fmt.Sprintf("handler panicked: %v", f.Panic)
	}
	return fmt.Sprintf("handler failed: %v", f.Err)
}

func (f *HandlerFault) Unwrap() error {
	return f.Err
}
