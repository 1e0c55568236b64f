package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/tandem/internal/observability"
	"github.com/harun/tandem/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrQueueClosed = errors.New("command queue closed")
	ErrSuperseded  = errors.New("task superseded by a newer submission")
)

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// Result is the outcome of a task.
type Result struct {
	Value interface{}
	Err   error
}

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	// Key coalesces queued work: submitting a task whose key matches a task
	// still waiting in the same lane replaces it.
	Key string
	// WarnAfter logs a warning and calls OnWait when the task is still queued
	// after this long.
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

// taskRecord tracks a task's execution state
type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	result     chan Result
}

func (r *taskRecord) resolve(res Result) {
	r.result <- res
	close(r.result)
}

// laneState manages execution state for a single lane
type laneState struct {
	concurrency int
	queue       []*taskRecord
	running     int
	activeIDs   map[string]bool
	mu          sync.Mutex
}

// CommandQueue provides lane-based task serialization with concurrency control
type CommandQueue struct {
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool
	mu        sync.RWMutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates an empty CommandQueue. Lanes are created on first use with
// concurrency 1.
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())

	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// lane returns the lane, creating it with the given concurrency if needed.
func (cq *CommandQueue) lane(name string, concurrency int) *laneState {
	cq.mu.RLock()
	ls, exists := cq.lanes[name]
	cq.mu.RUnlock()
	if exists {
		return ls
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()

	if ls, exists = cq.lanes[name]; exists {
		return ls
	}
	ls = &laneState{
		concurrency: concurrency,
		activeIDs:   make(map[string]bool),
	}
	cq.lanes[name] = ls
	log.Debug().Str("lane", name).Int("concurrency", concurrency).Msg("Lane initialized")
	return ls
}

func (cq *CommandQueue) lookup(name string) (*laneState, bool) {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	ls, ok := cq.lanes[name]
	return ls, ok
}

// Enqueue adds a task to the lane and waits for its result.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"tandem.commandqueue",
		"commandqueue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()

	var res Result
	select {
	case res = <-cq.Submit(ctx, lane, task, options):
	case <-ctx.Done():
		res = Result{Err: ctx.Err()}
	}

	tracing.SpanError(span, res.Err)
	return res.Value, res.Err
}

// Submit adds a task to the lane without waiting. The returned channel
// receives exactly one Result.
func (cq *CommandQueue) Submit(ctx context.Context, lane string, task Task, options *TaskOptions) <-chan Result {
	if ctx == nil {
		ctx = context.Background()
	}
	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		ch := make(chan Result, 1)
		ch <- Result{Err: ErrQueueClosed}
		close(ch)
		return ch
	}
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	cq.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	ls := cq.lane(lane, 1)

	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan Result, 1),
	}

	ls.mu.Lock()
	var superseded *taskRecord
	if opts.Key != "" {
		for i, queued := range ls.queue {
			if queued.options.Key == opts.Key {
				superseded = queued
				ls.queue[i] = record
				break
			}
		}
	}
	if superseded == nil {
		ls.queue = append(ls.queue, record)
	}
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	if superseded != nil {
		superseded.resolve(Result{Err: ErrSuperseded})
		logger.Debug().
			Str("lane", lane).
			Str("taskId", superseded.id).
			Str("replacement", taskID).
			Msg("Queued task superseded")
	}

	logger.Debug().
		Str("lane", lane).
		Str("taskId", taskID).
		Int("queueSize", queueSize).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(lane, queueSize)

	if opts.WarnAfter > 0 {
		go cq.startWarnTimer(record, lane, ls)
	}

	cq.processLane(lane, ls)
	return record.result
}

// processLane starts queued tasks while the lane has capacity.
func (cq *CommandQueue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue[0] = nil
		ls.queue = ls.queue[1:]

		ls.running++
		ls.activeIDs[record.id] = true

		cq.wg.Add(1)
		go cq.executeTask(lane, ls, record)
	}
}

// executeTask executes a single task
func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"tandem.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(startTime)

	ls.mu.Lock()
	ls.running--
	delete(ls.activeIDs, record.id)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.resolve(Result{Value: value, Err: err})

	if err != nil {
		tracing.SpanError(span, err)
		logger.Error().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	cq.processLane(lane, ls)
}

// startWarnTimer warns when a task waits in the queue longer than expected.
func (cq *CommandQueue) startWarnTimer(record *taskRecord, lane string, ls *laneState) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-cq.ctx.Done():
		return
	}

	ls.mu.Lock()
	queuePos := -1
	for i, r := range ls.queue {
		if r.id == record.id {
			queuePos = i
			break
		}
	}
	ls.mu.Unlock()

	if queuePos < 0 {
		return
	}
	wait := time.Since(record.enqueuedAt)
	log.Warn().
		Str("lane", lane).
		Str("taskId", record.id).
		Dur("wait", wait).
		Int("queuePos", queuePos).
		Msg("Task waiting longer than expected")

	if record.options.OnWait != nil {
		record.options.OnWait(wait, queuePos)
	}
}

// GetStats returns statistics for all lanes
func (cq *CommandQueue) GetStats() map[string]map[string]int {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]map[string]int, len(cq.lanes))
	for lane, ls := range cq.lanes {
		ls.mu.Lock()
		stats[lane] = map[string]int{
			"queued":      len(ls.queue),
			"running":     ls.running,
			"concurrency": ls.concurrency,
		}
		ls.mu.Unlock()
	}
	return stats
}

// drop rejects every queued task in a lane with reason. Running tasks are
// unaffected.
func (cq *CommandQueue) drop(lane string, reason error) int {
	ls, ok := cq.lookup(lane)
	if !ok {
		return 0
	}

	ls.mu.Lock()
	dropped := ls.queue
	ls.queue = nil
	ls.mu.Unlock()

	for _, record := range dropped {
		record.resolve(Result{Err: reason})
	}

	log.Info().
		Str("lane", lane).
		Int("dropped", len(dropped)).
		Str("reason", reason.Error()).
		Msg("Lane drained")
	observability.SetQueueSize(lane, 0)

	return len(dropped)
}

// RemoveLane forgets an idle lane. It reports false when the lane still has
// queued or running work.
func (cq *CommandQueue) RemoveLane(lane string) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	if !ok {
		return true
	}
	ls.mu.Lock()
	busy := ls.running > 0 || len(ls.queue) > 0
	ls.mu.Unlock()
	if busy {
		return false
	}
	delete(cq.lanes, lane)
	return true
}

// WaitForActive waits until no lane has queued or running tasks.
func (cq *CommandQueue) WaitForActive(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if cq.drained() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			log.Warn().Msg("Timeout waiting for queued tasks")
			return ctx.Err()
		}
	}
}

func (cq *CommandQueue) drained() bool {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	for _, ls := range cq.lanes {
		ls.mu.Lock()
		busy := len(ls.activeIDs) > 0 || len(ls.queue) > 0
		ls.mu.Unlock()
		if busy {
			return false
		}
	}
	return true
}

// Close rejects new submissions, cancels running tasks and waits for them.
// Queued tasks are rejected with ErrQueueClosed; call WaitForActive first to
// let them drain.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	lanes := make([]string, 0, len(cq.lanes))
	for name := range cq.lanes {
		lanes = append(lanes, name)
	}
	cq.mu.Unlock()

	for _, name := range lanes {
		cq.drop(name, ErrQueueClosed)
	}
	cq.cancel()
	cq.wg.Wait()
	return nil
}
