package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/harun/tandem/internal/tracing"
	"github.com/harun/tandem/pkg/emitter"
	"github.com/harun/tandem/pkg/protocol"
	"github.com/harun/tandem/pkg/runner"
	"github.com/harun/tandem/pkg/step"
	"github.com/rs/zerolog"
)

var (
	// ErrSessionClosed is the cancellation cause for runs of a session that
	// was terminated or expired, and the error returned by a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrSessionNotFound is returned when a session id is not registered.
	ErrSessionNotFound = errors.New("session not found")
)

// ConnectionState tracks whether a client is bound to the session.
type ConnectionState string

const (
	StateConnected           ConnectionState = "connected"
	StateDisconnectedPending ConnectionState = "disconnected-pending"
	StateClosed              ConnectionState = "closed"
)

// Info is a point-in-time description of a session.
type Info struct {
	ID             string          `json:"id"`
	State          ConnectionState `json:"state"`
	RunState       runner.State    `json:"run_state"`
	ActiveRunID    string          `json:"active_run_id,omitempty"`
	Policy         runner.Policy   `json:"policy"`
	Steps          int             `json:"steps"`
	CreatedAt      time.Time       `json:"created_at"`
	LastActivityAt time.Time       `json:"last_activity_at"`
	DisconnectedAt *time.Time      `json:"disconnected_at,omitempty"`
	Emitter        emitter.Stats   `json:"emitter"`
}

// Session is one conversation: its step tree, its outbound emitter and the
// runner that executes the handler for inbound events. A session outlives any
// single connection.
type Session struct {
	id        string
	token     string
	createdAt time.Time
	tree      *step.Tree
	emitter   *emitter.Emitter
	runner    *runner.Runner
	logger    zerolog.Logger
	now       func() time.Time

	// Registry hooks.
	onIdle func(*Session, runner.Outcome)
	onConn func(*Session, ConnectionState)

	mu             sync.Mutex
	state          ConnectionState
	transport      emitter.Transport
	lastActivity   time.Time
	disconnectedAt time.Time

	// reservations counts GetOrCreate callers that have not yet attached or
	// released. A reserved session reads as connected and cannot expire.
	reservations int
}

type sessionConfig struct {
	id          string
	token       string
	createdAt   time.Time
	tree        *step.Tree
	handler     runner.Handler
	handlerName string
	engine      Options
	logger      zerolog.Logger
	now         func() time.Time
	onIdle      func(*Session, runner.Outcome)
	onConn      func(*Session, ConnectionState)
}

func newSession(cfg sessionConfig) (*Session, error) {
	if cfg.tree == nil {
		cfg.tree = step.NewTree()
	}

	s := &Session{
		id:        cfg.id,
		token:     cfg.token,
		createdAt: cfg.createdAt,
		tree:      cfg.tree,
		logger:    cfg.logger.With().Str("session_id", cfg.id).Logger(),
		now:       cfg.now,
		onIdle:    cfg.onIdle,
		onConn:    cfg.onConn,
		// A new session has no connection until the caller attaches one.
		state:          StateDisconnectedPending,
		lastActivity:   cfg.now(),
		disconnectedAt: cfg.now(),
	}

	s.emitter = emitter.New(emitter.Config{
		SessionID:    cfg.id,
		BufferSize:   cfg.engine.EmitterBuffer,
		SendTimeout:  cfg.engine.SendTimeout,
		Source:       cfg.tree,
		OnDisconnect: s.handleSendFailure,
		Logger:       cfg.logger,
	})
	cfg.tree.SetObserver(s.emitter)

	r, err := runner.New(runner.Config{
		SessionID:      cfg.id,
		Tree:           cfg.tree,
		Sink:           s.emitter,
		Handler:        cfg.handler,
		HandlerName:    cfg.handlerName,
		Policy:         cfg.engine.Policy,
		MaxRunDuration: cfg.engine.MaxRunDuration,
		FlushTimeout:   cfg.engine.FlushTimeout,
		OnIdle:         s.runFinished,
		Logger:         cfg.logger,
	})
	if err != nil {
		s.emitter.Close()
		return nil, fmt.Errorf("failed to create runner: %w", err)
	}
	s.runner = r

	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Token returns the resume token handed to the client.
func (s *Session) Token() string { return s.token }

// Tree returns the session's step tree.
func (s *Session) Tree() *step.Tree { return s.tree }

// Dispatch routes an inbound frame from the bound client. Rejections the
// client should hear about (busy, already-bound, closed) are also reported as
// error frames on the session's stream.
func (s *Session) Dispatch(ctx context.Context, evt protocol.Inbound) error {
	ctx = tracing.WithSessionID(ctx, s.id)
	s.touch()

	switch evt.Type {
	case protocol.InboundUserMessage:
		result, err := s.runner.Dispatch(ctx, evt)
		switch {
		case errors.Is(err, runner.ErrBusy):
			s.emitter.EmitError(protocol.CodeBusy, "a run is already in progress")
			return err
		case errors.Is(err, runner.ErrRunnerClosed):
			s.emitter.EmitError(protocol.CodeSessionExpired, "session is closed")
			return ErrSessionClosed
		case err != nil:
			return err
		}
		s.logger.Debug().Str("result", string(result)).Msg("User message dispatched")
		return nil

	case protocol.InboundInterrupt:
		if s.runner.Interrupt(runner.ErrInterrupted) {
			s.logger.Debug().Msg("Run interrupted by client")
		}
		return nil

	case protocol.InboundReconnect:
		err := protocol.NewError(protocol.CodeAlreadyBound, "connection is already bound to a session")
		s.emitter.EmitError(err.Code, err.Message)
		return err

	default:
		err := protocol.NewError(protocol.CodeInvalidFrame, fmt.Sprintf("unknown frame type %q", evt.Type))
		s.emitter.EmitError(err.Code, err.Message)
		return err
	}
}

// ReportError queues an error frame for the client.
func (s *Session) ReportError(code protocol.Code, message string) {
	s.emitter.EmitError(code, message)
}

// Attach binds t as the session's connection. The client first receives a
// resync snapshot of the full tree, then live frames. A connection already
// bound to the session is closed and replaced.
func (s *Session) Attach(t emitter.Transport) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	previous := s.transport
	if s.reservations > 0 {
		s.reservations--
	}
	s.state = StateConnected
	s.transport = t
	s.lastActivity = s.now()
	s.disconnectedAt = time.Time{}
	s.mu.Unlock()

	s.emitter.Attach(t)
	if previous != nil && previous != t {
		if c, ok := previous.(io.Closer); ok {
			_ = c.Close()
		}
		s.logger.Info().Msg("Connection taken over by a new client")
	} else {
		s.logger.Debug().Msg("Connection attached")
	}

	if s.onConn != nil {
		s.onConn(s, StateConnected)
	}
	return nil
}

// Detach unbinds t if it is still the session's connection and cancels the
// active run. The session stays resumable until the grace period elapses.
func (s *Session) Detach(t emitter.Transport) bool {
	s.mu.Lock()
	if s.transport == nil || s.transport != t {
		s.mu.Unlock()
		return false
	}
	s.transport = nil
	s.disconnectedAt = s.now()
	// A caller that resumed the session and has yet to attach keeps it
	// connected.
	if s.reservations == 0 {
		s.state = StateDisconnectedPending
	}
	state := s.state
	s.mu.Unlock()

	s.emitter.Detach(t)
	if s.runner.Interrupt(protocol.ErrConnectionClosed) {
		s.logger.Debug().Msg("Run cancelled by disconnect")
	}
	s.logger.Debug().Msg("Connection detached")

	if s.onConn != nil {
		s.onConn(s, state)
	}
	return true
}

// Release gives up a reservation taken by Registry.GetOrCreate when the
// caller could not attach. A session left with no connection and no other
// reservation becomes disconnected-pending again, keeping its original grace
// deadline.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reservations > 0 {
		s.reservations--
	}
	if s.reservations == 0 && s.transport == nil && s.state == StateConnected {
		s.state = StateDisconnectedPending
	}
}

func (s *Session) handleSendFailure(t emitter.Transport, _ error) {
	s.Detach(t)
}

// Interrupt cancels the active run, if any.
func (s *Session) Interrupt(cause error) bool {
	return s.runner.Interrupt(cause)
}

// WaitIdle blocks until the session has no active or queued run.
func (s *Session) WaitIdle(ctx context.Context) error {
	return s.runner.WaitIdle(ctx)
}

// Close cancels the active run with cause, waits for it to finish and stops
// the emitter. The bound connection, if any, is closed. Further events are
// rejected.
func (s *Session) Close(ctx context.Context, cause error) error {
	if cause == nil {
		cause = ErrSessionClosed
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	bound := s.transport
	s.transport = nil
	s.mu.Unlock()

	err := s.runner.Close(ctx, cause)
	s.emitter.Close()
	if c, ok := bound.(io.Closer); ok {
		_ = c.Close()
	}
	if err != nil {
		return fmt.Errorf("session %s did not go idle: %w", s.id, err)
	}
	return nil
}

// Snapshot returns the persisted form of the session. UpdatedAt is the time
// the snapshot was taken.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		SessionID: s.id,
		Token:     s.token,
		CreatedAt: s.createdAt,
		UpdatedAt: s.now(),
	}
	if s.state == StateDisconnectedPending {
		at := s.disconnectedAt
		snap.DisconnectedAt = &at
	}
	s.mu.Unlock()

	snap.Tree = s.tree.Snapshot()
	return snap
}

// ConnectionState returns the connection state.
func (s *Session) ConnectionState() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// RunState returns the runner state.
func (s *Session) RunState() runner.State {
	return s.runner.State()
}

// Info describes the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		ID:             s.id,
		State:          s.state,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivity,
	}
	if s.state == StateDisconnectedPending {
		at := s.disconnectedAt
		info.DisconnectedAt = &at
	}
	s.mu.Unlock()

	info.RunState = s.runner.State()
	info.ActiveRunID = s.runner.ActiveRunID()
	info.Policy = s.runner.Policy()
	info.Steps = s.tree.Len()
	info.Emitter = s.emitter.Stats()
	return info
}

// resumableAt reports whether a disconnected session may still be reattached
// at now. Reattachment must happen strictly before the grace deadline.
func (s *Session) resumableAt(now time.Time, grace time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.resumableLocked(now, grace)
}

func (s *Session) resumableLocked(now time.Time, grace time.Duration) bool {
	switch s.state {
	case StateConnected:
		return true
	case StateDisconnectedPending:
		return now.Before(s.disconnectedAt.Add(grace))
	default:
		return false
	}
}

// reserveAt marks the session connected on behalf of a caller about to
// attach, if it is still resumable at now. The registry calls it under its
// lock so expiry cannot slip in before Attach.
func (s *Session) reserveAt(now time.Time, grace time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.resumableLocked(now, grace) {
		return false
	}
	s.state = StateConnected
	s.reservations++
	return true
}

func (s *Session) applyOptions(opts Options) {
	if err := s.runner.SetPolicy(opts.Policy); err != nil {
		s.logger.Warn().Err(err).Msg("Ignoring invalid queue policy")
	}
	s.runner.SetLimits(opts.MaxRunDuration, opts.FlushTimeout)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

func (s *Session) runFinished(outcome runner.Outcome) {
	s.touch()
	if s.onIdle != nil {
		s.onIdle(s, outcome)
	}
}
