package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToRun derives the tracing context for a run. The trace and session
// are inherited; the connection is not, since a run outlives the connection
// that triggered it.
func PropagateToRun(ctx context.Context, runID string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}

	runCtx := WithTraceID(context.Background(), traceID)
	runCtx = WithRunID(runCtx, runID)
	if sessionID := GetSessionID(ctx); sessionID != "" {
		runCtx = WithSessionID(runCtx, sessionID)
	}
	return runCtx
}

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.SessionID != "" {
		logger = logger.With().Str("session_id", tc.SessionID).Logger()
	}
	if tc.RunID != "" {
		logger = logger.With().Str("run_id", tc.RunID).Logger()
	}
	if tc.ConnID != "" {
		logger = logger.With().Str("conn_id", tc.ConnID).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// MergeContext copies tracing values from source that target does not have yet.
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.SessionID != "" && GetSessionID(target) == "" {
		target = WithSessionID(target, tc.SessionID)
	}
	if tc.RunID != "" && GetRunID(target) == "" {
		target = WithRunID(target, tc.RunID)
	}
	if tc.ConnID != "" && GetConnID(target) == "" {
		target = WithConnID(target, tc.ConnID)
	}

	return target
}

// CloneContext creates a new context with the same tracing information but
// none of the parent's cancellation.
func CloneContext(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
