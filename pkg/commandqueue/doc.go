// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// The session registry uses one lane per session ("persist:<session id>") to
// write snapshots behind the runner, so saves for a session never overlap and
// a slow store never holds up a run.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order.
// - Tasks in different lanes may execute concurrently.
// - A keyed task still waiting in its lane is replaced by a newer task with the same key.
// - A task still queued after TaskOptions.WarnAfter is logged and reported through OnWait.
// - Queue sizes and task durations are exported as metrics.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	done := queue.Submit(ctx, "persist:abc", func(ctx context.Context) (interface{}, error) {
//		return nil, store.Save(ctx, snap)
//	}, &commandqueue.TaskOptions{Key: "snapshot"})
//	res := <-done
package commandqueue
