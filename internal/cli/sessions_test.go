package cli

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionsList(t *testing.T) {
	ts := sessionsServer(t)
	path := writeConfig(t, pointAt(t, ts))

	out, err := execute(t, "sessions", "list", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "sess-1")
	assert.Contains(t, out, "connected")
	assert.Contains(t, out, "steps: 3")
}

func TestSessionsList_Empty(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"sessions":[]}`))
	}))
	defer ts.Close()
	path := writeConfig(t, pointAt(t, ts))

	out, err := execute(t, "sessions", "list", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "No live sessions.")
}

func TestSessionsTerminate(t *testing.T) {
	ts := sessionsServer(t)
	path := writeConfig(t, pointAt(t, ts))

	out, err := execute(t, "sessions", "terminate", "sess-1", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Terminated session sess-1.")

	_, err = execute(t, "sessions", "terminate", "sess-404", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
