package step

import "errors"

var (
	// ErrInvalidParent is returned when a parent id is unknown or already terminal.
	ErrInvalidParent = errors.New("invalid parent step")
	// ErrStepNotMutable is returned when mutating a terminal step.
	ErrStepNotMutable = errors.New("step is not mutable")
	// ErrChildrenStillRunning is returned when completing a step with live children.
	ErrChildrenStillRunning = errors.New("children still running")
	// ErrStepNotFound is returned for unknown step ids.
	ErrStepNotFound = errors.New("step not found")
	// ErrInvalidKind is returned for unknown step kinds.
	ErrInvalidKind = errors.New("invalid step kind")
)
