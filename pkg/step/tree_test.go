package step

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedOp struct {
	op       string
	id       string
	status   Status
	fragment Fragment
}

type recorder struct {
	mu  sync.Mutex
	ops []recordedOp
}

func (r *recorder) StepCreated(s Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, recordedOp{op: "created", id: s.ID, status: s.Status})
}

func (r *recorder) StepAppended(id string, f Fragment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, recordedOp{op: "appended", id: id, fragment: f})
}

func (r *recorder) StepFinished(s Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, recordedOp{op: "finished", id: s.ID, status: s.Status})
}

func (r *recorder) snapshot() []recordedOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedOp(nil), r.ops...)
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("s%d", n)
	}
}

func newTestTree(obs Observer) *Tree {
	return NewTree(WithObserver(obs), WithIDGenerator(sequentialIDs()))
}

func TestTree_CreateRootAndChild(t *testing.T) {
	tree := newTestTree(nil)

	root, err := tree.Create("run-1", "", KindMessage, "")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, root.Status)
	assert.Empty(t, root.ParentID)

	child, err := tree.Create("run-1", root.ID, KindToolCall, "search")
	require.NoError(t, err)
	assert.Equal(t, root.ID, child.ParentID)
	assert.Equal(t, "search", child.Name)

	got, ok := tree.Get(root.ID)
	require.True(t, ok)
	assert.Equal(t, []string{child.ID}, got.Children)
	assert.Equal(t, []string{root.ID}, tree.Roots())
	assert.Equal(t, 2, tree.Len())
}

func TestTree_CreateInvalidParent(t *testing.T) {
	tree := newTestTree(nil)

	_, err := tree.Create("run-1", "missing", KindMessage, "")
	assert.ErrorIs(t, err, ErrInvalidParent)

	root, err := tree.Create("run-1", "", KindMessage, "")
	require.NoError(t, err)
	require.NoError(t, tree.Complete(root.ID))

	_, err = tree.Create("run-1", root.ID, KindReasoning, "")
	assert.ErrorIs(t, err, ErrInvalidParent)
}

func TestTree_CreateInvalidKind(t *testing.T) {
	tree := newTestTree(nil)

	_, err := tree.Create("run-1", "", Kind("banner"), "")
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestTree_AppendTransitionsToStreaming(t *testing.T) {
	tree := newTestTree(nil)
	s, err := tree.Create("run-1", "", KindMessage, "")
	require.NoError(t, err)

	require.NoError(t, tree.Append(s.ID, Text("he")))
	require.NoError(t, tree.Append(s.ID, Text("llo")))

	got, _ := tree.Get(s.ID)
	assert.Equal(t, StatusStreaming, got.Status)
	assert.Equal(t, "hello", got.Text())
}

func TestTree_AppendAfterTerminal(t *testing.T) {
	tests := []struct {
		name      string
		terminate func(tree *Tree, id string) error
	}{
		{"completed", func(tree *Tree, id string) error { return tree.Complete(id) }},
		{"cancelled", func(tree *Tree, id string) error { return tree.Cancel(id, "stop") }},
		{"errored", func(tree *Tree, id string) error { return tree.Fail(id, "boom") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := newTestTree(nil)
			s, err := tree.Create("run-1", "", KindMessage, "")
			require.NoError(t, err)
			require.NoError(t, tt.terminate(tree, s.ID))

			assert.ErrorIs(t, tree.Append(s.ID, Text("late")), ErrStepNotMutable)
			assert.ErrorIs(t, tree.Complete(s.ID), ErrStepNotMutable)
			assert.ErrorIs(t, tree.Cancel(s.ID, "again"), ErrStepNotMutable)
		})
	}
}

func TestTree_UnknownStep(t *testing.T) {
	tree := newTestTree(nil)

	assert.ErrorIs(t, tree.Append("nope", Text("x")), ErrStepNotFound)
	assert.ErrorIs(t, tree.Complete("nope"), ErrStepNotFound)
	assert.ErrorIs(t, tree.Fail("nope", "x"), ErrStepNotFound)
}

func TestTree_CompleteWithRunningChild(t *testing.T) {
	tree := newTestTree(nil)
	parent, _ := tree.Create("run-1", "", KindMessage, "")
	child, _ := tree.Create("run-1", parent.ID, KindToolCall, "")

	err := tree.Complete(parent.ID)
	assert.ErrorIs(t, err, ErrChildrenStillRunning)

	require.NoError(t, tree.Complete(child.ID))
	require.NoError(t, tree.Complete(parent.ID))

	got, _ := tree.Get(parent.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestTree_CancelTruncatesSubtree(t *testing.T) {
	tree := newTestTree(nil)
	root, _ := tree.Create("run-1", "", KindMessage, "")
	done, _ := tree.Create("run-1", root.ID, KindToolCall, "")
	require.NoError(t, tree.Complete(done.ID))
	live, _ := tree.Create("run-1", root.ID, KindReasoning, "")
	grandchild, _ := tree.Create("run-1", live.ID, KindToolCall, "")

	require.NoError(t, tree.Cancel(root.ID, "interrupted"))

	for id, want := range map[string]Status{
		root.ID:       StatusCancelled,
		done.ID:       StatusCompleted,
		live.ID:       StatusCancelled,
		grandchild.ID: StatusCancelled,
	} {
		got, ok := tree.Get(id)
		require.True(t, ok)
		assert.Equal(t, want, got.Status, "step %s", id)
	}
	assert.Equal(t, 4, tree.Len())
}

func TestTree_FailRecordsCause(t *testing.T) {
	tree := newTestTree(nil)
	s, _ := tree.Create("run-1", "", KindToolCall, "")

	require.NoError(t, tree.Fail(s.ID, "tool exploded"))

	got, _ := tree.Get(s.ID)
	assert.Equal(t, StatusErrored, got.Status)
	assert.Equal(t, "tool exploded", got.Cause)
}

func TestTree_FinalizeRunCompleted(t *testing.T) {
	tree := newTestTree(nil)
	msg, _ := tree.Create("run-1", "", KindMessage, "")
	tool, _ := tree.Create("run-1", msg.ID, KindToolCall, "")
	leaf, _ := tree.Create("run-1", "", KindMessage, "")
	other, _ := tree.Create("run-2", "", KindMessage, "")

	n := tree.FinalizeRun("run-1", StatusCompleted, "")
	assert.Equal(t, 3, n)

	got, _ := tree.Get(tool.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	got, _ = tree.Get(msg.ID)
	assert.Equal(t, StatusCancelled, got.Status, "parent with pending children at run end is cancelled")
	got, _ = tree.Get(leaf.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	got, _ = tree.Get(other.ID)
	assert.Equal(t, StatusRunning, got.Status, "other runs are untouched")
}

func TestTree_FinalizeRunCancelled(t *testing.T) {
	tree := newTestTree(nil)
	msg, _ := tree.Create("run-1", "", KindMessage, "")
	require.NoError(t, tree.Append(msg.ID, Text("partial")))
	done, _ := tree.Create("run-1", "", KindSystem, "")
	require.NoError(t, tree.Complete(done.ID))

	n := tree.FinalizeRun("run-1", StatusCancelled, "interrupted")
	assert.Equal(t, 1, n)

	got, _ := tree.Get(msg.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "interrupted", got.Cause)
	assert.Equal(t, "partial", got.Text())
	got, _ = tree.Get(done.ID)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestTree_ObserverOrder(t *testing.T) {
	rec := &recorder{}
	tree := newTestTree(rec)

	s, _ := tree.Create("run-1", "", KindMessage, "")
	_ = tree.Append(s.ID, Text("a"))
	_ = tree.Append(s.ID, Text("b"))
	_ = tree.Complete(s.ID)
	_ = tree.Append(s.ID, Text("c"))

	ops := rec.snapshot()
	require.Len(t, ops, 4)
	assert.Equal(t, "created", ops[0].op)
	assert.Equal(t, "a", ops[1].fragment.Text)
	assert.Equal(t, "b", ops[2].fragment.Text)
	assert.Equal(t, "finished", ops[3].op)
	assert.Equal(t, StatusCompleted, ops[3].status)
}

func TestTree_SnapshotIsCopy(t *testing.T) {
	tree := newTestTree(nil)
	s, _ := tree.Create("run-1", "", KindMessage, "")
	_ = tree.Append(s.ID, Text("one"))

	snap := tree.Snapshot()
	snap.Steps[0].Content[0].Text = "mutated"

	got, _ := tree.Get(s.ID)
	assert.Equal(t, "one", got.Text())
}

func TestTree_Load(t *testing.T) {
	src := newTestTree(nil)
	root, _ := src.Create("run-1", "", KindMessage, "")
	_ = src.Append(root.ID, Text("hi"))
	_ = src.Complete(root.ID)
	live, _ := src.Create("run-2", "", KindMessage, "")
	_ = src.Append(live.ID, Text("par"))

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	dst := NewTree(WithClock(func() time.Time { return clock }))
	require.NoError(t, dst.Load(src.Snapshot(), "process restarted"))

	got, ok := dst.Get(root.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, got.Status)
	got, _ = dst.Get(live.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "process restarted", got.Cause)
	assert.Equal(t, []string{root.ID, live.ID}, dst.Roots())

	assert.Error(t, dst.Load(src.Snapshot(), "again"))
}
