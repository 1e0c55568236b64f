// Package emitter delivers a session's outbound frames to its transport in the
// order the underlying step-tree mutations were applied.
//
// Invariants:
// - Emit never blocks on the transport; frames are queued up to a fixed bound.
// - When the bound is exceeded the queue is discarded and a single
//   session-resync snapshot replaces it.
// - Attaching a transport always starts with a session-resync snapshot followed
//   only by frames emitted afterwards.
// - Sequence numbers on the wire are strictly increasing per session.
//
// Usage:
//
//	em := emitter.New(emitter.Config{SessionID: id, Source: tree, Logger: logger})
//	tree.SetObserver(em)
//	em.Attach(conn)
//	defer em.Close()
package emitter
