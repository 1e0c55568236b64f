// Package step implements the step tree of a session: an arena of streamable
// units of work (messages, tool calls, reasoning traces) indexed by id, with
// explicit parent/child links.
//
// Invariants:
// - Status only moves forward: running/streaming -> completed|cancelled|errored.
// - A step cannot complete while any of its children is still running or streaming.
// - Content is append-only; fragments are never removed or reordered.
// - Cancellation truncates in-progress subtrees but never deletes completed steps.
// - Observers are notified of every mutation in the order it was applied.
//
// Usage:
//
//	tree := step.NewTree(step.WithObserver(obs))
//	msg, _ := tree.Create(runID, "", step.KindMessage, "")
//	_ = tree.Append(msg.ID, step.Text("hello"))
//	_ = tree.Complete(msg.ID)
package step
