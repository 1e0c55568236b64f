package step

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Tree is the ordered, nested collection of steps belonging to one session.
//
// Mutations are issued by the session's single active run; the lock exists so
// that snapshot readers on other goroutines (emitter resync, persistence)
// observe a consistent tree.
type Tree struct {
	mu       sync.RWMutex
	steps    map[string]*Step
	order    []string
	roots    []string
	observer Observer
	now      func() time.Time
	newID    func() string
}

// Option configures a Tree.
type Option func(*Tree)

// WithObserver sets the mutation observer.
func WithObserver(o Observer) Option {
	return func(t *Tree) {
		t.observer = o
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tree) {
		t.now = now
	}
}

// WithIDGenerator overrides step id allocation.
func WithIDGenerator(gen func() string) Option {
	return func(t *Tree) {
		t.newID = gen
	}
}

// NewTree creates an empty tree.
func NewTree(opts ...Option) *Tree {
	t := &Tree{
		steps: make(map[string]*Step),
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetObserver replaces the mutation observer.
func (t *Tree) SetObserver(o Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.observer = o
}

// Create allocates a new running step under parentID, or as a root when
// parentID is empty.
func (t *Tree) Create(runID, parentID string, kind Kind, name string) (Step, error) {
	if !kind.Valid() {
		return Step{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var parent *Step
	if parentID != "" {
		p, ok := t.steps[parentID]
		if !ok {
			return Step{}, fmt.Errorf("%w: %s does not exist", ErrInvalidParent, parentID)
		}
		if p.Status.Terminal() {
			return Step{}, fmt.Errorf("%w: %s is %s", ErrInvalidParent, parentID, p.Status)
		}
		parent = p
	}

	s := &Step{
		ID:        t.newID(),
		ParentID:  parentID,
		RunID:     runID,
		Kind:      kind,
		Name:      name,
		Status:    StatusRunning,
		CreatedAt: t.now(),
	}
	t.steps[s.ID] = s
	t.order = append(t.order, s.ID)
	if parent != nil {
		parent.Children = append(parent.Children, s.ID)
	} else {
		t.roots = append(t.roots, s.ID)
	}

	out := s.clone()
	if t.observer != nil {
		t.observer.StepCreated(out)
	}
	return out, nil
}

// Append adds a fragment to the step's content.
func (t *Tree) Append(id string, f Fragment) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.mutableLocked(id)
	if err != nil {
		return err
	}

	s.Content = append(s.Content, f)
	if s.Status == StatusRunning {
		s.Status = StatusStreaming
	}

	if t.observer != nil {
		t.observer.StepAppended(id, f)
	}
	return nil
}

// Complete marks the step completed. All children must already be terminal.
func (t *Tree) Complete(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.mutableLocked(id)
	if err != nil {
		return err
	}

	for _, childID := range s.Children {
		if child := t.steps[childID]; !child.Status.Terminal() {
			return fmt.Errorf("%w: %s has live child %s", ErrChildrenStillRunning, id, childID)
		}
	}

	t.finishLocked(s, StatusCompleted, "")
	return nil
}

// Fail marks the step errored. Live descendants are cancelled first.
func (t *Tree) Fail(id string, cause string) error {
	return t.terminate(id, StatusErrored, cause)
}

// Cancel marks the step cancelled. Live descendants are cancelled first.
func (t *Tree) Cancel(id string, cause string) error {
	return t.terminate(id, StatusCancelled, cause)
}

func (t *Tree) terminate(id string, status Status, cause string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.mutableLocked(id)
	if err != nil {
		return err
	}

	t.truncateLocked(s, cause)
	t.finishLocked(s, status, cause)
	return nil
}

// FinalizeRun resolves every live step owned by runID once the run has ended
// and returns how many steps were resolved.
//
// For StatusCompleted, steps that still had live children when the run ended
// are cancelled and the rest are completed. For any other outcome every live
// step takes that outcome. Children are always resolved before parents.
func (t *Tree) FinalizeRun(runID string, outcome Status, cause string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var live []*Step
	for _, id := range t.order {
		if s := t.steps[id]; s.RunID == runID && !s.Status.Terminal() {
			live = append(live, s)
		}
	}
	if len(live) == 0 {
		return 0
	}

	pending := make(map[string]bool, len(live))
	if outcome == StatusCompleted {
		for _, s := range live {
			for _, childID := range s.Children {
				if !t.steps[childID].Status.Terminal() {
					pending[s.ID] = true
					break
				}
			}
		}
	}

	for i := len(live) - 1; i >= 0; i-- {
		s := live[i]
		if s.Status.Terminal() {
			continue
		}
		switch {
		case outcome == StatusCompleted && pending[s.ID]:
			t.truncateLocked(s, "children still running at run end")
			t.finishLocked(s, StatusCancelled, "children still running at run end")
		case outcome == StatusCompleted:
			t.finishLocked(s, StatusCompleted, "")
		default:
			t.truncateLocked(s, cause)
			t.finishLocked(s, outcome, cause)
		}
	}
	return len(live)
}

// Get returns a copy of the step.
func (t *Tree) Get(id string) (Step, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.steps[id]
	if !ok {
		return Step{}, false
	}
	return s.clone(), true
}

// Roots returns root step ids in turn order.
func (t *Tree) Roots() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return append([]string(nil), t.roots...)
}

// Len returns the number of steps.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.order)
}

// Live returns the ids of steps that are still running or streaming.
func (t *Tree) Live() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []string
	for _, id := range t.order {
		if !t.steps[id].Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Snapshot returns a copy of the whole tree.
func (t *Tree) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.snapshotLocked()
}

// Sync calls fn with a snapshot while mutations are held off, so fn can
// atomically reset any state derived from earlier mutations.
func (t *Tree) Sync(fn func(Snapshot)) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	fn(t.snapshotLocked())
}

// Load replaces an empty tree's contents with snap. Steps that were live when
// the snapshot was taken are cancelled with interruptedCause, since the run
// that owned them no longer exists. Observers are not notified.
func (t *Tree) Load(snap Snapshot, interruptedCause string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.order) > 0 {
		return fmt.Errorf("load into non-empty tree (%d steps)", len(t.order))
	}

	steps := make(map[string]*Step, len(snap.Steps))
	order := make([]string, 0, len(snap.Steps))
	for i := range snap.Steps {
		s := snap.Steps[i].clone()
		if s.ParentID != "" {
			if _, ok := steps[s.ParentID]; !ok {
				return fmt.Errorf("%w: %s listed before its parent %s", ErrInvalidParent, s.ID, s.ParentID)
			}
		}
		if !s.Status.Terminal() {
			at := t.now()
			s.Status = StatusCancelled
			s.Cause = interruptedCause
			s.CompletedAt = &at
		}
		steps[s.ID] = &s
		order = append(order, s.ID)
	}

	t.steps = steps
	t.order = order
	t.roots = append([]string(nil), snap.Roots...)
	return nil
}

func (t *Tree) mutableLocked(id string) (*Step, error) {
	s, ok := t.steps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStepNotFound, id)
	}
	if s.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrStepNotMutable, id, s.Status)
	}
	return s, nil
}

// truncateLocked cancels every live descendant of s, deepest first.
func (t *Tree) truncateLocked(s *Step, cause string) {
	for _, childID := range s.Children {
		child := t.steps[childID]
		if child.Status.Terminal() {
			continue
		}
		t.truncateLocked(child, cause)
		t.finishLocked(child, StatusCancelled, cause)
	}
}

func (t *Tree) finishLocked(s *Step, status Status, cause string) {
	at := t.now()
	s.Status = status
	s.Cause = cause
	s.CompletedAt = &at

	if t.observer != nil {
		t.observer.StepFinished(s.clone())
	}
}

func (t *Tree) snapshotLocked() Snapshot {
	snap := Snapshot{
		Roots: append([]string{}, t.roots...),
		Steps: make([]Step, 0, len(t.order)),
	}
	for _, id := range t.order {
		snap.Steps = append(snap.Steps, t.steps[id].clone())
	}
	return snap
}
