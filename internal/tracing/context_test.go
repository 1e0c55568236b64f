package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestNewRunID(t *testing.T) {
	if NewRunID() == NewRunID() {
		t.Error("NewRunID returned duplicate IDs")
	}
}

func TestContextSettersAndGetters(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithConnID(ctx, "conn-1")

	if got := GetTraceID(ctx); got != "trace-1" {
		t.Errorf("Expected trace ID trace-1, got %s", got)
	}
	if got := GetSessionID(ctx); got != "sess-1" {
		t.Errorf("Expected session ID sess-1, got %s", got)
	}
	if got := GetRunID(ctx); got != "run-1" {
		t.Errorf("Expected run ID run-1, got %s", got)
	}
	if got := GetConnID(ctx); got != "conn-1" {
		t.Errorf("Expected conn ID conn-1, got %s", got)
	}
}

func TestGettersEmpty(t *testing.T) {
	ctx := context.Background()

	if GetTraceID(ctx) != "" || GetSessionID(ctx) != "" || GetRunID(ctx) != "" || GetConnID(ctx) != "" {
		t.Error("Expected empty values from bare context")
	}
}

func TestNewContextPartial(t *testing.T) {
	ctx := NewContext(context.Background(), &TraceContext{TraceID: "trace-1", RunID: "run-1"})

	tc := FromContext(ctx)
	if tc.TraceID != "trace-1" || tc.RunID != "run-1" {
		t.Errorf("Unexpected trace context: %+v", tc)
	}
	if tc.SessionID != "" || tc.ConnID != "" {
		t.Errorf("Unset fields should stay empty: %+v", tc)
	}
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background())

	if GetTraceID(ctx) == "" {
		t.Error("NewRequestContext did not set trace ID")
	}
}
