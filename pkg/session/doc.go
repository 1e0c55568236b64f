// Package session owns conversations that outlive their connections.
//
// A Session bundles a step tree, the emitter that streams tree mutations to
// the bound client, and the runner that executes the handler. The Registry
// maps resume tokens to sessions and decides, on every connect, whether the
// client resumes its old session or starts a fresh one.
//
// Invariants:
// - A disconnected session can be resumed strictly before its grace deadline.
// - Eviction and reattachment for the same token are serialized by the registry lock.
// - Disconnecting cancels the active run; the session itself survives until expiry.
// - Snapshot writes for one session go through its own queue lane and never overlap.
// - Sessions restored from a store have every step that was live at save time cancelled.
//
// Usage:
//
//	reg, _ := session.NewRegistry(session.Config{Handler: h, Options: session.DefaultOptions()})
//	sess, resumed, _ := reg.GetOrCreate(ctx, token)
//	_ = sess.Attach(conn)
//	_ = sess.Dispatch(ctx, protocol.UserMessage("hi"))
//
//	sweeper, _ := session.NewSweeper(reg, "@every 5s", logger)
//	_ = sweeper.Start()
package session
