package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit event kinds.
const (
	AuditSession = "session"
	AuditRun     = "run"
	AuditConfig  = "config"
)

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	Kind      string                 `json:"kind"`
	Action    string                 `json:"action"` // created, resumed, expired, run:completed, reloaded...
	SessionID string                 `json:"session_id,omitempty"`
	RunID     string                 `json:"run_id,omitempty"`
	Actor     string                 `json:"actor,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// AuditLogger writes session, run and config events as JSON lines.
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

var auditInst atomic.Pointer[AuditLogger]

// NewAuditLogger writes events to w.
func NewAuditLogger(w io.Writer) *AuditLogger {
	a := &AuditLogger{logger: zerolog.New(w)}
	if c, ok := w.(io.Closer); ok && w != os.Stderr && w != os.Stdout {
		a.closer = c
	}
	return a
}

// GetAuditLogger returns the process audit logger. It writes to stderr until
// InitAuditLogger succeeds.
func GetAuditLogger() *AuditLogger {
	if a := auditInst.Load(); a != nil {
		return a
	}
	auditInst.CompareAndSwap(nil, NewAuditLogger(os.Stderr))
	return auditInst.Load()
}

// InitAuditLogger appends audit events to the file at path from now on.
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	auditInst.Store(NewAuditLogger(file))
	return nil
}

// Record writes event and mirrors it onto the active span, if any.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent("audit."+event.Action, trace.WithAttributes(
			attribute.String("audit.kind", event.Kind),
			attribute.String("audit.session_id", event.SessionID),
			attribute.String("audit.run_id", event.RunID),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Time("timestamp", event.Timestamp).
		Str("kind", event.Kind).
		Str("action", event.Action)
	if event.SessionID != "" {
		entry = entry.Str("session_id", event.SessionID)
	}
	if event.RunID != "" {
		entry = entry.Str("run_id", event.RunID)
	}
	if event.Actor != "" {
		entry = entry.Str("actor", event.Actor)
	}
	if event.TraceID != "" {
		entry = entry.Str("trace_id", event.TraceID)
	}
	if len(event.Metadata) > 0 {
		entry = entry.Interface("metadata", event.Metadata)
	}
	entry.Send()
}

// Close closes the underlying file. Later events are dropped.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.logger = zerolog.Nop()
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}

// RecordSessionAudit records a session lifecycle event such as created,
// resumed, expired or terminated.
func RecordSessionAudit(ctx context.Context, action, sessionID string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Kind:      AuditSession,
		Action:    action,
		SessionID: sessionID,
		Metadata:  metadata,
	})
}

// RecordRunAudit records how a run ended.
func RecordRunAudit(ctx context.Context, sessionID, runID, outcome string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Kind:      AuditRun,
		Action:    "run:" + outcome,
		SessionID: sessionID,
		RunID:     runID,
		Metadata:  metadata,
	})
}

// RecordConfigAudit records a configuration change made by actor.
func RecordConfigAudit(ctx context.Context, action, actor string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Kind:     AuditConfig,
		Action:   action,
		Actor:    actor,
		Metadata: metadata,
	})
}
