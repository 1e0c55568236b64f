package emitter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harun/tandem/internal/observability"
	"github.com/harun/tandem/pkg/protocol"
	"github.com/harun/tandem/pkg/step"
	"github.com/rs/zerolog"
)

const (
	DefaultBufferSize  = 256
	DefaultSendTimeout = 10 * time.Second
)

// Transport is the outbound half of a client connection.
type Transport interface {
	Send(ctx context.Context, evt protocol.Outbound) error
}

// SnapshotSource produces tree snapshots for resync frames. Sync must hold off
// tree mutations while fn runs.
type SnapshotSource interface {
	Sync(fn func(step.Snapshot))
}

// DisconnectFunc is called when a send fails on the attached transport.
type DisconnectFunc func(t Transport, err error)

// Config holds emitter configuration
type Config struct {
	SessionID    string
	BufferSize   int
	SendTimeout  time.Duration
	Source       SnapshotSource
	OnDisconnect DisconnectFunc
	Logger       zerolog.Logger
}

// Stats is a point-in-time view of the emitter.
type Stats struct {
	Queued    int   `json:"queued"`
	Seq       int64 `json:"seq"`
	Delivered int64 `json:"delivered"`
	Attached  bool  `json:"attached"`
	Resync    bool  `json:"resync_pending"`
}

// Emitter serializes outbound frames for one session.
type Emitter struct {
	sessionID    string
	limit        int
	sendTimeout  time.Duration
	source       SnapshotSource
	onDisconnect DisconnectFunc
	logger       zerolog.Logger

	mu        sync.Mutex
	queue     []protocol.Outbound
	resync    bool
	transport Transport
	seq       int64
	delivered int64
	closed    bool
	progress  chan struct{}

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an emitter and starts its writer goroutine.
func New(cfg Config) *Emitter {
	observability.EnsureRegistered()

	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Emitter{
		sessionID:    cfg.SessionID,
		limit:        cfg.BufferSize,
		sendTimeout:  cfg.SendTimeout,
		source:       cfg.Source,
		onDisconnect: cfg.OnDisconnect,
		logger:       cfg.Logger.With().Str("session_id", cfg.SessionID).Logger(),
		progress:     make(chan struct{}),
		wake:         make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	go e.run()
	return e
}

// Emit queues a frame for delivery. It never blocks on the transport.
func (e *Emitter) Emit(evt protocol.Outbound) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	if e.resync {
		// The pending snapshot is taken after this mutation and covers it.
		observability.RecordEmitterDropped(1)
		return
	}
	if len(e.queue) >= e.limit {
		dropped := len(e.queue) + 1
		e.queue = nil
		e.resync = true
		observability.RecordEmitterDropped(dropped)
		observability.RecordEmitterResync("overflow")
		e.logger.Warn().
			Int("dropped", dropped).
			Int("limit", e.limit).
			Msg("Emitter queue overflow, falling back to resync")
		e.signal()
		return
	}

	e.seq++
	evt.Seq = e.seq
	evt.SessionID = e.sessionID
	e.queue = append(e.queue, evt)
	e.signal()
}

// EmitError queues an error frame.
func (e *Emitter) EmitError(code protocol.Code, message string) {
	e.Emit(protocol.ErrorFrame(code, message))
}

// StepCreated implements step.Observer.
func (e *Emitter) StepCreated(s step.Step) {
	e.Emit(protocol.StepCreated(s))
}

// StepAppended implements step.Observer.
func (e *Emitter) StepAppended(id string, f step.Fragment) {
	e.Emit(protocol.StepFragment(id, f))
}

// StepFinished implements step.Observer.
func (e *Emitter) StepFinished(s step.Step) {
	e.Emit(protocol.StepCompleted(s))
}

// Attach binds a transport. Delivery restarts with a resync snapshot.
func (e *Emitter) Attach(t Transport) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.transport = t
	e.queue = nil
	e.resync = true
	observability.RecordEmitterResync("attach")
	e.markProgressLocked()
	e.signal()
}

// Detach unbinds t if it is still the attached transport. Frames emitted
// while detached are buffered up to the bound.
func (e *Emitter) Detach(t Transport) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.transport == nil || e.transport != t {
		return false
	}
	e.transport = nil
	e.markProgressLocked()
	return true
}

// Attached reports whether a transport is bound.
func (e *Emitter) Attached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.transport != nil
}

// Flush waits until every frame emitted before the call has been handed to the
// transport (or superseded by a delivered resync snapshot), or until no
// transport is attached, in which case the frames stay parked in the buffer.
func (e *Emitter) Flush(ctx context.Context) error {
	e.mu.Lock()
	target := e.seq
	e.mu.Unlock()

	for {
		e.mu.Lock()
		if e.resync && e.seq+1 > target {
			// The pending snapshot takes the next sequence number.
			target = e.seq + 1
		}
		if e.closed || e.transport == nil || e.delivered >= target {
			e.mu.Unlock()
			return nil
		}
		ch := e.progress
		e.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stats returns a snapshot of the emitter state.
func (e *Emitter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Stats{
		Queued:    len(e.queue),
		Seq:       e.seq,
		Delivered: e.delivered,
		Attached:  e.transport != nil,
		Resync:    e.resync,
	}
}

// Close stops the writer goroutine. Queued frames are discarded.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	e.queue = nil
	e.markProgressLocked()
	e.mu.Unlock()

	e.cancel()
	<-e.done
}

func (e *Emitter) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Emitter) markProgressLocked() {
	close(e.progress)
	e.progress = make(chan struct{})
}

func (e *Emitter) run() {
	defer close(e.done)

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.wake:
		}

		for e.deliverOnce() {
		}
	}
}

// deliverOnce sends at most one frame and reports whether the caller should
// keep draining.
func (e *Emitter) deliverOnce() bool {
	e.mu.Lock()
	t := e.transport
	if t == nil || e.closed {
		e.mu.Unlock()
		return false
	}

	if e.resync {
		e.mu.Unlock()
		frame, ok := e.takeResync(t)
		if !ok {
			return true
		}
		return e.send(t, frame)
	}

	if len(e.queue) == 0 {
		e.mu.Unlock()
		return false
	}
	frame := e.queue[0]
	e.queue[0] = protocol.Outbound{}
	e.queue = e.queue[1:]
	e.mu.Unlock()

	return e.send(t, frame)
}

// takeResync builds the resync frame while the tree is held still, so that
// every mutation is either inside the snapshot or emitted after it.
func (e *Emitter) takeResync(t Transport) (protocol.Outbound, bool) {
	var (
		frame protocol.Outbound
		ok    bool
	)

	build := func(snap step.Snapshot) {
		e.mu.Lock()
		defer e.mu.Unlock()

		if e.transport != t || !e.resync || e.closed {
			return
		}
		e.resync = false
		e.queue = nil
		e.seq++
		frame = protocol.SessionResync(snap)
		frame.Seq = e.seq
		frame.SessionID = e.sessionID
		ok = true
	}

	if e.source == nil {
		build(step.Snapshot{Roots: []string{}, Steps: []step.Step{}})
	} else {
		e.source.Sync(build)
	}
	return frame, ok
}

func (e *Emitter) send(t Transport, frame protocol.Outbound) bool {
	ctx, cancel := context.WithTimeout(e.ctx, e.sendTimeout)
	err := t.Send(ctx, frame)
	cancel()

	e.mu.Lock()
	if err != nil {
		if e.transport == t {
			e.transport = nil
		}
		// The failed frame is lost; whoever attaches next starts from a snapshot.
		e.resync = true
		e.queue = nil
		e.markProgressLocked()
		e.mu.Unlock()

		if errors.Is(err, protocol.ErrConnectionClosed) {
			e.logger.Debug().Err(err).Int64("seq", frame.Seq).Msg("Transport closed during send")
		} else {
			e.logger.Warn().Err(err).Int64("seq", frame.Seq).Str("type", string(frame.Type)).Msg("Failed to deliver frame")
		}
		observability.RecordEmitterResync("send-failure")
		if e.onDisconnect != nil {
			e.onDisconnect(t, err)
		}
		return false
	}

	if frame.Seq > e.delivered {
		e.delivered = frame.Seq
	}
	e.markProgressLocked()
	e.mu.Unlock()

	observability.RecordEmitted(string(frame.Type))
	return true
}
