package observability

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, data []byte) []map[string]interface{} {
	t.Helper()

	var out []map[string]interface{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func TestAuditLogger_Record(t *testing.T) {
	buf := &bytes.Buffer{}
	a := NewAuditLogger(buf)

	a.Record(context.Background(), AuditEvent{
		Kind:      AuditRun,
		Action:    "run:completed",
		SessionID: "sess-1",
		RunID:     "run-1",
		Metadata:  map[string]interface{}{"steps": 3},
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	a.Record(context.Background(), AuditEvent{Kind: AuditConfig, Action: "reloaded"})

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 2)

	assert.Equal(t, "run", lines[0]["kind"])
	assert.Equal(t, "run:completed", lines[0]["action"])
	assert.Equal(t, "sess-1", lines[0]["session_id"])
	assert.Equal(t, "run-1", lines[0]["run_id"])
	assert.Equal(t, float64(3), lines[0]["metadata"].(map[string]interface{})["steps"])

	assert.Equal(t, "config", lines[1]["kind"])
	assert.NotContains(t, lines[1], "session_id")
	assert.Contains(t, lines[1], "timestamp")
}

func TestAuditLogger_CloseDropsLaterEvents(t *testing.T) {
	buf := &bytes.Buffer{}
	a := NewAuditLogger(buf)

	require.NoError(t, a.Close())
	a.Record(context.Background(), AuditEvent{Kind: AuditSession, Action: "created"})

	assert.Empty(t, buf.String())
}

func TestInitAuditLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, InitAuditLogger(path))

	RecordSessionAudit(context.Background(), "created", "sess-1", nil)
	RecordRunAudit(context.Background(), "sess-1", "run-1", "cancelled", nil)
	RecordConfigAudit(context.Background(), "reloaded", "watcher", map[string]interface{}{"queue_policy": "queue"})
	require.NoError(t, GetAuditLogger().Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := decodeLines(t, data)
	require.Len(t, lines, 3)
	assert.Equal(t, "created", lines[0]["action"])
	assert.Equal(t, "run:cancelled", lines[1]["action"])
	assert.Equal(t, "watcher", lines[2]["actor"])

	assert.Error(t, InitAuditLogger(filepath.Join(t.TempDir(), "missing", "audit.log")))
}
