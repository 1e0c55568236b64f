package runner

import (
	"context"
	"sync"

	"github.com/harun/tandem/pkg/step"
)

// Handle is a handler's view of the session's step tree for one run. Steps
// created through it belong to the run and are resolved when the run ends.
type Handle struct {
	runID string
	tree  *step.Tree

	mu     sync.RWMutex
	closed bool
}

func newHandle(runID string, tree *step.Tree) *Handle {
	return &Handle{runID: runID, tree: tree}
}

// RunID returns the id of the run this handle belongs to.
func (h *Handle) RunID() string {
	return h.runID
}

// Closed reports whether the run has ended.
func (h *Handle) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.closed
}

// close waits for in-flight calls and rejects later ones.
func (h *Handle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
}

func (h *Handle) do(fn func() error) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return ErrRunClosed
	}
	return fn()
}

// CreateStep creates a step under parentID, or a root step when parentID is empty.
func (h *Handle) CreateStep(parentID string, kind step.Kind, name string) (step.Step, error) {
	var s step.Step
	err := h.do(func() error {
		var err error
		s, err = h.tree.Create(h.runID, parentID, kind, name)
		return err
	})
	return s, err
}

// Append adds a fragment to a step.
func (h *Handle) Append(id string, f step.Fragment) error {
	return h.do(func() error {
		return h.tree.Append(id, f)
	})
}

// AppendText appends a text fragment.
func (h *Handle) AppendText(id, text string) error {
	return h.Append(id, step.Text(text))
}

// Complete marks a step completed.
func (h *Handle) Complete(id string) error {
	return h.do(func() error {
		return h.tree.Complete(id)
	})
}

// Fail marks a step errored.
func (h *Handle) Fail(id, cause string) error {
	return h.do(func() error {
		return h.tree.Fail(id, cause)
	})
}

// Cancel marks a step cancelled.
func (h *Handle) Cancel(id, cause string) error {
	return h.do(func() error {
		return h.tree.Cancel(id, cause)
	})
}

// Stream appends every fragment received from frags to the step until the
// channel is closed. It stops early when ctx is done, returning its cause, or
// when an append fails; frags is then drained in the background so the
// producer is never left blocked.
func (h *Handle) Stream(ctx context.Context, id string, frags <-chan step.Fragment) error {
	for {
		select {
		case <-ctx.Done():
			go drain(frags)
			return context.Cause(ctx)
		case f, ok := <-frags:
			if !ok {
				return nil
			}
			if err := h.Append(id, f); err != nil {
				go drain(frags)
				return err
			}
		}
	}
}

func drain(frags <-chan step.Fragment) {
	for range frags {
	}
}
