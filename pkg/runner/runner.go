package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/harun/tandem/internal/observability"
	"github.com/harun/tandem/internal/tracing"
	"github.com/harun/tandem/pkg/protocol"
	"github.com/harun/tandem/pkg/step"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultFlushTimeout = 5 * time.Second

// Sink receives run-level error frames and is flushed before the runner
// returns to idle. *emitter.Emitter implements it.
type Sink interface {
	EmitError(code protocol.Code, message string)
	Flush(ctx context.Context) error
}

// Config holds runner configuration
type Config struct {
	SessionID      string
	Tree           *step.Tree
	Sink           Sink
	Handler        Handler
	HandlerName    string
	Policy         Policy
	MaxRunDuration time.Duration // 0 disables the limit
	FlushTimeout   time.Duration
	// OnIdle is called after every run once its frames are flushed, before
	// the runner reports idle.
	OnIdle func(Outcome)
	Logger zerolog.Logger
}

// Runner executes at most one handler invocation at a time for a session.
type Runner struct {
	sessionID   string
	tree        *step.Tree
	sink        Sink
	handler     Handler
	handlerName string
	onIdle      func(Outcome)
	logger      zerolog.Logger

	mu             sync.Mutex
	policy         Policy
	maxRunDuration time.Duration
	flushTimeout   time.Duration
	state          State
	active         *run
	pending        *pendingEvent
	last           *Outcome
	idle           chan struct{}
	closed         bool
}

type run struct {
	id      string
	evt     protocol.Inbound
	ctx     context.Context
	cancel  context.CancelCauseFunc
	release func()
	span    trace.Span
	handle  *Handle
	started time.Time
}

type pendingEvent struct {
	ctx context.Context
	evt protocol.Inbound
}

// New creates a runner in the idle state.
func New(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Tree == nil {
		return nil, fmt.Errorf("step tree is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.Policy == "" {
		cfg.Policy = DefaultPolicy
	}
	if _, err := ParsePolicy(string(cfg.Policy)); err != nil {
		return nil, err
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	if cfg.HandlerName == "" {
		cfg.HandlerName = "custom"
	}

	idle := make(chan struct{})
	close(idle)

	return &Runner{
		sessionID:      cfg.SessionID,
		tree:           cfg.Tree,
		sink:           cfg.Sink,
		handler:        cfg.Handler,
		handlerName:    cfg.HandlerName,
		onIdle:         cfg.OnIdle,
		logger:         cfg.Logger.With().Str("component", "runner").Str("session_id", cfg.SessionID).Logger(),
		policy:         cfg.Policy,
		maxRunDuration: cfg.MaxRunDuration,
		flushTimeout:   cfg.FlushTimeout,
		state:          StateIdle,
		idle:           idle,
	}, nil
}

// Dispatch hands an inbound event to the runner. With no active run the
// handler starts immediately; otherwise the configured policy applies.
//
// ctx only contributes values such as trace ids. A run is cancelled through
// Interrupt, Close, replacement or its time limit, never by ctx ending.
func (r *Runner) Dispatch(ctx context.Context, evt protocol.Inbound) (DispatchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", ErrRunnerClosed
	}

	if r.active == nil {
		r.startLocked(ctx, evt)
		observability.RecordDispatch(string(DispatchStarted))
		return DispatchStarted, nil
	}

	switch r.policy {
	case PolicyReject:
		observability.RecordDispatch("rejected")
		return "", ErrBusy
	case PolicyQueue:
		r.pending = &pendingEvent{ctx: ctx, evt: evt}
		observability.RecordDispatch(string(DispatchQueued))
		return DispatchQueued, nil
	default:
		r.pending = &pendingEvent{ctx: ctx, evt: evt}
		r.active.cancel(ErrReplaced)
		observability.RecordDispatch(string(DispatchReplaced))
		r.logger.Debug().Str("run_id", r.active.id).Msg("Replacing active run")
		return DispatchReplaced, nil
	}
}

// Interrupt requests cancellation of the active run with cause (ErrInterrupted
// when nil) and discards any queued event. It reports whether a run was active.
func (r *Runner) Interrupt(cause error) bool {
	if cause == nil {
		cause = ErrInterrupted
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending = nil
	if r.active == nil {
		return false
	}
	r.active.cancel(cause)
	return true
}

// WaitIdle blocks until no run is active or queued.
func (r *Runner) WaitIdle(ctx context.Context) error {
	for {
		r.mu.Lock()
		if r.active == nil {
			r.mu.Unlock()
			return nil
		}
		ch := r.idle
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close rejects further events, cancels the active run with cause and waits
// for it to wind down.
func (r *Runner) Close(ctx context.Context, cause error) error {
	if cause == nil {
		cause = ErrRunnerClosed
	}

	r.mu.Lock()
	r.closed = true
	r.pending = nil
	if r.active != nil {
		r.active.cancel(cause)
	}
	r.mu.Unlock()

	return r.WaitIdle(ctx)
}

// State returns the current runner state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state
}

// ActiveRunID returns the id of the active run, or "".
func (r *Runner) ActiveRunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		return ""
	}
	return r.active.id
}

// LastOutcome returns the outcome of the most recent finished run.
func (r *Runner) LastOutcome() (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.last == nil {
		return Outcome{}, false
	}
	return *r.last, true
}

// Policy returns the busy-session policy.
func (r *Runner) Policy() Policy {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.policy
}

// SetPolicy changes the busy-session policy. It applies to the next event.
func (r *Runner) SetPolicy(p Policy) error {
	if _, err := ParsePolicy(string(p)); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p == "" {
		p = DefaultPolicy
	}
	r.policy = p
	return nil
}

// SetLimits changes the max run duration and flush timeout for future runs.
func (r *Runner) SetLimits(maxRunDuration, flushTimeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if maxRunDuration >= 0 {
		r.maxRunDuration = maxRunDuration
	}
	if flushTimeout > 0 {
		r.flushTimeout = flushTimeout
	}
}

func (r *Runner) startLocked(parent context.Context, evt protocol.Inbound) {
	if parent == nil {
		parent = context.Background()
	}

	runID := tracing.NewRunID()
	base := tracing.PropagateToRun(parent, runID)
	base = tracing.WithSessionID(base, r.sessionID)

	ctx, cancel := context.WithCancelCause(base)
	release := func() {}
	if r.maxRunDuration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(ctx, r.maxRunDuration, ErrRunTimeout)
		release = stop
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"tandem.runner",
		"run.execute",
		attribute.String("session_id", r.sessionID),
		attribute.String("run_id", runID),
		attribute.String("event_type", string(evt.Type)),
	)

	rn := &run{
		id:      runID,
		evt:     evt,
		ctx:     ctx,
		cancel:  cancel,
		release: release,
		span:    span,
		handle:  newHandle(runID, r.tree),
		started: time.Now(),
	}

	context.AfterFunc(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.active == rn && r.state == StateRunning {
			r.state = StateAwaitingCancellation
		}
	})

	r.active = rn
	r.state = StateRunning
	if r.idleClosedLocked() {
		r.idle = make(chan struct{})
	}
	observability.RecordRunStarted()

	r.logger.Debug().Str("run_id", runID).Str("event_type", string(evt.Type)).Msg("Run started")

	go r.execute(rn)
}

func (r *Runner) idleClosedLocked() bool {
	select {
	case <-r.idle:
		return true
	default:
		return false
	}
}

func (r *Runner) execute(rn *run) {
	handlerErr := r.invoke(rn)

	// No handler goroutine may touch the tree for this run past this point.
	rn.handle.close()

	outcome := Outcome{
		RunID:   rn.id,
		Started: rn.started,
	}

	logger := tracing.LoggerFromContext(rn.ctx, r.logger)
	var (
		status   step.Status
		causeMsg string
	)
	switch {
	case rn.ctx.Err() != nil:
		outcome.State = StateCancelled
		outcome.Cause = context.Cause(rn.ctx)
		status = step.StatusCancelled
		causeMsg = outcome.Cause.Error()
	case handlerErr != nil:
		outcome.State = StateErrored
		outcome.Cause = handlerErr
		status = step.StatusErrored
		causeMsg = handlerErr.Error()
	default:
		outcome.State = StateCompleted
		status = step.StatusCompleted
	}

	r.mu.Lock()
	r.state = outcome.State
	r.mu.Unlock()

	outcome.Finalized = r.tree.FinalizeRun(rn.id, status, causeMsg)

	switch outcome.State {
	case StateCancelled:
		if errors.Is(outcome.Cause, ErrRunTimeout) {
			r.sink.EmitError(protocol.CodeRunTimeout, fmt.Sprintf("run %s exceeded its time limit", rn.id))
			observability.RecordHandlerFault(r.handlerName, "timeout")
			observability.RecordRunAudit(rn.ctx, r.sessionID, rn.id, string(outcome.State), map[string]interface{}{
				"cause": causeMsg,
			})
		}
		rn.span.SetAttributes(attribute.String("run.cancel_cause", causeMsg))
	case StateErrored:
		r.sink.EmitError(protocol.CodeHandlerFault, causeMsg)
		kind := "error"
		var fault *HandlerFault
		if errors.As(handlerErr, &fault) && fault.Panic != nil {
			kind = "panic"
			logger.Error().Str("stack", string(fault.Stack)).Msg("Handler panicked")
		}
		observability.RecordHandlerFault(r.handlerName, kind)
		observability.RecordRunAudit(rn.ctx, r.sessionID, rn.id, string(outcome.State), map[string]interface{}{
			"cause": causeMsg,
		})
		rn.span.RecordError(handlerErr)
		rn.span.SetStatus(codes.Error, causeMsg)
	}

	rn.release()
	rn.cancel(nil)
	rn.span.SetAttributes(attribute.String("run.outcome", string(outcome.State)))
	rn.span.End()

	r.mu.Lock()
	flushTimeout := r.flushTimeout
	r.mu.Unlock()

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), flushTimeout)
	if err := r.sink.Flush(flushCtx); err != nil {
		logger.Warn().Err(err).Dur("timeout", flushTimeout).Msg("Emitter flush did not complete before run end")
	}
	cancelFlush()

	outcome.Duration = time.Since(rn.started)
	observability.RecordRun(r.handlerName, string(outcome.State), outcome.Duration)
	observability.RecordStepsFinalized(string(status), outcome.Finalized)

	event := logger.Info()
	if outcome.State == StateErrored {
		event = logger.Warn().Err(outcome.Cause)
	} else if outcome.Cause != nil {
		event = event.Str("cause", causeMsg)
	}
	event.
		Str("outcome", string(outcome.State)).
		Int("finalized_steps", outcome.Finalized).
		Dur("duration", outcome.Duration).
		Msg("Run finished")

	// WaitIdle callers must observe whatever onIdle did.
	if r.onIdle != nil {
		r.onIdle(outcome)
	}

	r.mu.Lock()
	r.active = nil
	r.state = StateIdle
	r.last = &outcome
	next := r.pending
	r.pending = nil
	if next != nil && !r.closed {
		r.startLocked(next.ctx, next.evt)
	} else {
		close(r.idle)
	}
	r.mu.Unlock()
}

// invoke calls the handler, converting errors and panics into a HandlerFault.
func (r *Runner) invoke(rn *run) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &HandlerFault{Panic: p, Stack: debug.Stack()}
		}
	}()

	if err := r.handler(rn.ctx, rn.evt, rn.handle); err != nil {
		var fault *HandlerFault
		if errors.As(err, &fault) {
			return err
		}
		return &HandlerFault{Err: err}
	}
	return nil
}
