// Package runner drives the single active run of a session: it invokes the
// handler for an inbound event, owns the run's cancellation, applies the
// busy-session policy and resolves the run's steps when it ends.
//
// Invariants:
// - At most one run is active per Runner at any time.
// - A run ends in exactly one of completed, cancelled or errored, and every
//   step it created is terminal before the runner returns to idle.
// - Cancellation is cooperative: the handler observes ctx.Done() and
//   context.Cause(ctx) reports why (interrupt, replacement, timeout, disconnect).
// - After a run ends its Handle rejects every call with ErrRunClosed.
// - A failed or panicking handler never takes the session down.
//
// Usage:
//
//	r := runner.New(runner.Config{Tree: tree, Sink: em, Handler: handlers.Echo(0)})
//	_, err := r.Dispatch(ctx, protocol.UserMessage("hi"))
//	_ = r.WaitIdle(ctx)
package runner
