package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/tandem/internal/observability"
	"github.com/harun/tandem/internal/tracing"
	"github.com/harun/tandem/pkg/commandqueue"
	"github.com/harun/tandem/pkg/runner"
	"github.com/harun/tandem/pkg/step"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultGracePeriod = 30 * time.Second

	// RestoredCause is recorded on steps that were live when a stored
	// snapshot was written by a process that no longer exists.
	RestoredCause = "interrupted by restart"

	tokenLength     = 32
	snapshotTaskKey = "snapshot"
	retireTimeout   = 10 * time.Second

	// A snapshot write still queued after this long means the session's
	// persistence lane is stuck behind a slow store.
	snapshotWarnAfter = 5 * time.Second
)

// ErrRegistryClosed is returned once the registry has shut down. It is also
// the cancellation cause of runs still active at shutdown.
var ErrRegistryClosed = errors.New("session registry closed")

// Options are the engine settings applied to every session. They can be
// changed at runtime with UpdateEngine.
type Options struct {
	Policy         runner.Policy
	GracePeriod    time.Duration
	MaxRunDuration time.Duration
	FlushTimeout   time.Duration
	EmitterBuffer  int
	SendTimeout    time.Duration
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		Policy:       runner.DefaultPolicy,
		GracePeriod:  DefaultGracePeriod,
		FlushTimeout: runner.DefaultFlushTimeout,
	}
}

// Config holds registry configuration
type Config struct {
	Handler     runner.Handler
	HandlerName string
	Options     Options
	// Store is optional. Without it sessions do not survive a restart.
	Store Store
	// Queue carries snapshot writes. One is created when Store is set and
	// Queue is nil.
	Queue  *commandqueue.CommandQueue
	Logger zerolog.Logger
	Clock  func() time.Time
}

// Registry owns every live session and maps resume tokens to them.
type Registry struct {
	handler     runner.Handler
	handlerName string
	store       Store
	queue       *commandqueue.CommandQueue
	ownsQueue   bool
	logger      zerolog.Logger
	now         func() time.Time

	snapshotWarnAfter time.Duration

	mu      sync.RWMutex
	opts    Options
	byID    map[string]*Session
	byToken map[string]*Session
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) (*Registry, error) {
	observability.EnsureRegistered()

	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	opts, err := normalizeOptions(cfg.Options)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		handler:     cfg.Handler,
		handlerName: cfg.HandlerName,
		store:       cfg.Store,
		queue:       cfg.Queue,
		logger:      cfg.Logger.With().Str("component", "session").Logger(),
		now:         cfg.Clock,
		opts:        opts,

		snapshotWarnAfter: snapshotWarnAfter,
		byID:        make(map[string]*Session),
		byToken:     make(map[string]*Session),
	}
	if r.store != nil && r.queue == nil {
		r.queue = commandqueue.New()
		r.ownsQueue = true
	}

	r.logger.Info().
		Str("policy", string(opts.Policy)).
		Dur("grace_period", opts.GracePeriod).
		Bool("persistent", r.store != nil).
		Msg("Session registry initialized")
	observability.SetActiveSessions(0)

	return r, nil
}

func normalizeOptions(opts Options) (Options, error) {
	policy, err := runner.ParsePolicy(string(opts.Policy))
	if err != nil {
		return opts, err
	}
	opts.Policy = policy
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.MaxRunDuration < 0 {
		opts.MaxRunDuration = 0
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = runner.DefaultFlushTimeout
	}
	return opts, nil
}

// GetOrCreate returns the session for token when it can still be resumed,
// restoring it from the store if it is not in memory. Otherwise it creates a
// fresh session with a new token. resumed reports which happened.
//
// The returned session is reserved: it reads as connected and cannot expire
// until the caller attaches a transport or calls Release.
func (r *Registry) GetOrCreate(ctx context.Context, token string) (s *Session, resumed bool, err error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"tandem.session",
		"session.get_or_create",
		attribute.Bool("has_token", token != ""),
	)
	defer func() {
		if err != nil {
			tracing.SpanError(span, err)
		} else {
			span.SetAttributes(
				attribute.String("session_id", s.ID()),
				attribute.Bool("resumed", resumed),
			)
		}
		span.End()
	}()

	logger := tracing.LoggerFromContext(ctx, r.logger)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, false, ErrRegistryClosed
	}

	var stale *Session
	if token != "" {
		existing, inMemory := r.byToken[token]
		if inMemory {
			if existing.reserveAt(r.now(), r.opts.GracePeriod) {
				r.mu.Unlock()
				observability.RecordSessionEvent("resumed")
				observability.RecordSessionAudit(ctx, "resumed", existing.ID(), nil)
				logger.Info().Str("session_id", existing.ID()).Msg("Session resumed")
				return existing, true, nil
			}
			stale = existing
			r.removeLocked(existing)
		} else if r.store != nil {
			// The store round trip runs without the registry lock.
			r.mu.Unlock()
			snap, tree, loadErr := r.loadSnapshot(ctx, token)
			if loadErr != nil {
				logger.Warn().Err(loadErr).Msg("Failed to restore session snapshot")
			}
			r.mu.Lock()
			if r.closed {
				r.mu.Unlock()
				return nil, false, ErrRegistryClosed
			}

			if raced, ok := r.byToken[token]; ok {
				// Another connection restored the token while the store was read.
				if raced.reserveAt(r.now(), r.opts.GracePeriod) {
					r.mu.Unlock()
					observability.RecordSessionEvent("resumed")
					logger.Info().Str("session_id", raced.ID()).Msg("Session resumed")
					return raced, true, nil
				}
				stale = raced
				r.removeLocked(raced)
			} else if tree != nil {
				restored, err := r.newSessionLocked(snap.SessionID, snap.Token, snap.CreatedAt, tree)
				if err != nil {
					r.mu.Unlock()
					return nil, false, err
				}
				restored.reserveAt(r.now(), r.opts.GracePeriod)
				r.addLocked(restored)
				r.mu.Unlock()
				observability.RecordSessionEvent("restored")
				observability.RecordSessionAudit(ctx, "restored", restored.ID(), nil)
				logger.Info().Str("session_id", restored.ID()).Int("steps", restored.Tree().Len()).Msg("Session restored from store")
				return restored, true, nil
			}
		}
	}

	fresh, err := r.newSessionLocked("", "", time.Time{}, nil)
	if err != nil {
		r.mu.Unlock()
		return nil, false, err
	}
	fresh.reserveAt(r.now(), r.opts.GracePeriod)
	r.addLocked(fresh)
	r.mu.Unlock()

	if stale != nil {
		observability.RecordSessionEvent("expired")
		r.retire(stale, ErrSessionClosed, true)
	}

	observability.RecordSessionEvent("created")
	observability.RecordSessionAudit(ctx, "created", fresh.ID(), nil)
	logger.Info().Str("session_id", fresh.ID()).Msg("Session created")
	return fresh, false, nil
}

// loadSnapshot reads the stored snapshot for token and rebuilds its step
// tree. It returns a nil tree when there is nothing to restore, including a
// snapshot whose grace period ran out while no process held it; that
// snapshot is deleted.
func (r *Registry) loadSnapshot(ctx context.Context, token string) (Snapshot, *step.Tree, error) {
	start := time.Now()
	snap, err := r.store.Load(ctx, token)
	observability.RecordSessionLoad(time.Since(start))
	if errors.Is(err, ErrSnapshotNotFound) {
		return Snapshot{}, nil, nil
	}
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if snap.Token != token || snap.SessionID == "" {
		return Snapshot{}, nil, fmt.Errorf("snapshot for token does not match")
	}

	if !snap.ResumableAt(r.now(), r.Options().GracePeriod) {
		observability.RecordSessionEvent("expired")
		if err := r.store.Delete(ctx, token); err != nil && !errors.Is(err, ErrSnapshotNotFound) {
			return Snapshot{}, nil, fmt.Errorf("failed to delete expired snapshot: %w", err)
		}
		return Snapshot{}, nil, nil
	}

	tree := step.NewTree()
	if err := tree.Load(snap.Tree, RestoredCause); err != nil {
		return Snapshot{}, nil, fmt.Errorf("failed to rebuild step tree: %w", err)
	}
	return snap, tree, nil
}

func (r *Registry) newSessionLocked(id, token string, createdAt time.Time, tree *step.Tree) (*Session, error) {
	if id == "" {
		id = uuid.New().String()
	}
	if token == "" {
		var err error
		token, err = gonanoid.New(tokenLength)
		if err != nil {
			return nil, fmt.Errorf("failed to generate session token: %w", err)
		}
	}
	if createdAt.IsZero() {
		createdAt = r.now()
	}

	return newSession(sessionConfig{
		id:          id,
		token:       token,
		createdAt:   createdAt,
		tree:        tree,
		handler:     r.handler,
		handlerName: r.handlerName,
		engine:      r.opts,
		logger:      r.logger,
		now:         r.now,
		onIdle:      r.sessionIdle,
		onConn:      r.connectionChanged,
	})
}

func (r *Registry) addLocked(s *Session) {
	r.byID[s.ID()] = s
	r.byToken[s.Token()] = s
	observability.SetActiveSessions(len(r.byID))
}

func (r *Registry) removeLocked(s *Session) {
	if r.byID[s.ID()] == s {
		delete(r.byID, s.ID())
	}
	if r.byToken[s.Token()] == s {
		delete(r.byToken, s.Token())
	}
	observability.SetActiveSessions(len(r.byID))
}

// Lookup returns a registered session by id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byID[id]
	return s, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byID)
}

// List describes every registered session, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Options returns the current engine options.
func (r *Registry) Options() Options {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.opts
}

// UpdateEngine replaces the engine options. Policy and run limits apply to
// existing sessions from their next event; emitter settings apply to new
// sessions only.
func (r *Registry) UpdateEngine(opts Options) error {
	opts, err := normalizeOptions(opts)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.opts = opts
	sessions := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.applyOptions(opts)
	}

	r.logger.Info().
		Str("policy", string(opts.Policy)).
		Dur("grace_period", opts.GracePeriod).
		Dur("max_run_duration", opts.MaxRunDuration).
		Int("sessions", len(sessions)).
		Msg("Engine options updated")
	return nil
}

// ExpireStale evicts disconnected sessions whose grace period has elapsed at
// now. Their active runs are cancelled, then their stored snapshots are
// deleted. It returns the evicted session ids.
func (r *Registry) ExpireStale(now time.Time) []string {
	r.mu.Lock()
	var expired []*Session
	for _, s := range r.byID {
		if s.ConnectionState() == StateDisconnectedPending && !s.resumableAt(now, r.opts.GracePeriod) {
			expired = append(expired, s)
			r.removeLocked(s)
		}
	}
	r.mu.Unlock()

	if len(expired) == 0 {
		return nil
	}

	ids := make([]string, 0, len(expired))
	var wg sync.WaitGroup
	for _, s := range expired {
		ids = append(ids, s.ID())
		s.Interrupt(ErrSessionClosed)

		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			r.retire(s, ErrSessionClosed, true)
			observability.RecordSessionEvent("expired")
			observability.RecordSessionAudit(context.Background(), "expired", s.ID(), nil)
		}(s)
	}
	wg.Wait()

	sort.Strings(ids)
	r.logger.Info().Strs("session_ids", ids).Msg("Expired stale sessions")
	return ids
}

// Terminate closes a session on request. Its runs are cancelled and its
// stored snapshot is deleted.
func (r *Registry) Terminate(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.byID[id]
	if ok {
		r.removeLocked(s)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	r.retire(s, ErrSessionClosed, true)
	observability.RecordSessionEvent("terminated")
	observability.RecordSessionAudit(ctx, "terminated", id, nil)
	logger := tracing.LoggerFromContext(ctx, r.logger)
	logger.Info().Str("session_id", id).Msg("Session terminated")
	return nil
}

// Close shuts every session down. Snapshots are kept so sessions can be
// restored by the next process; pending writes are drained before returning.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.byID = make(map[string]*Session)
	r.byToken = make(map[string]*Session)
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Close(ctx, ErrRegistryClosed); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			r.persist(s)
		}(s)
	}
	wg.Wait()

	if r.queue != nil {
		if err := r.queue.WaitForActive(ctx); err != nil {
			errs = append(errs, fmt.Errorf("snapshot writes did not drain: %w", err))
		}
		if r.ownsQueue {
			_ = r.queue.Close()
		}
	}

	observability.SetActiveSessions(0)
	observability.SetAttachedSessions(0)
	r.logger.Info().Int("sessions", len(sessions)).Msg("Session registry closed")
	return errors.Join(errs...)
}

// retire closes a session that is no longer registered and optionally
// deletes its snapshot. The delete goes through the session's persistence
// lane so it lands after any save still queued there.
func (r *Registry) retire(s *Session, cause error, deleteSnapshot bool) {
	ctx, cancel := context.WithTimeout(context.Background(), retireTimeout)
	defer cancel()

	if err := s.Close(ctx, cause); err != nil {
		r.logger.Warn().Err(err).Str("session_id", s.ID()).Msg("Session did not stop cleanly")
	}
	r.updateAttached()

	if r.store == nil || !deleteSnapshot {
		return
	}
	lane := persistLane(s.ID())
	_, err := r.queue.Enqueue(ctx, lane, func(ctx context.Context) (interface{}, error) {
		return nil, r.store.Delete(ctx, s.Token())
	}, nil)
	if err != nil && !errors.Is(err, ErrSnapshotNotFound) {
		r.logger.Warn().Err(err).Str("session_id", s.ID()).Msg("Failed to delete session snapshot")
	}
	r.queue.RemoveLane(lane)
}

// persist queues a snapshot write for s. Writes for one session are applied
// in order and a write still waiting is replaced by a newer one.
func (r *Registry) persist(s *Session) {
	if r.store == nil {
		return
	}
	snap := s.Snapshot()
	ctx := tracing.WithSessionID(context.Background(), s.ID())
	r.queue.Submit(ctx, persistLane(s.ID()), func(ctx context.Context) (interface{}, error) {
		start := time.Now()
		err := r.store.Save(ctx, snap)
		observability.RecordSessionSave(time.Since(start))
		return nil, err
	}, &commandqueue.TaskOptions{
		Key:       snapshotTaskKey,
		WarnAfter: r.snapshotWarnAfter,
		OnWait: func(wait time.Duration, queuePos int) {
			observability.RecordSessionEvent("snapshot_delayed")
			r.logger.Warn().
				Str("session_id", s.ID()).
				Dur("wait", wait).
				Int("queue_pos", queuePos).
				Msg("Snapshot write is waiting on a slow store")
		},
	})
}

func (r *Registry) sessionIdle(s *Session, _ runner.Outcome) {
	if r.isRegistered(s) {
		r.persist(s)
	}
}

func (r *Registry) connectionChanged(s *Session, state ConnectionState) {
	r.updateAttached()
	if state == StateDisconnectedPending && r.isRegistered(s) {
		r.persist(s)
	}
}

func (r *Registry) isRegistered(s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.byID[s.ID()] == s
}

func (r *Registry) updateAttached() {
	r.mu.RLock()
	attached := 0
	for _, s := range r.byID {
		if s.ConnectionState() == StateConnected {
			attached++
		}
	}
	r.mu.RUnlock()

	observability.SetAttachedSessions(attached)
}

func persistLane(sessionID string) string {
	return "persist:" + sessionID
}
