package cli

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/harun/tandem/internal/config"
	"github.com/harun/tandem/internal/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionsServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sessions":[{"id":"sess-1","state":"connected","run_state":"running","steps":3,"last_activity_at":"2026-01-01T00:00:00Z"}]}`))
	})
	mux.HandleFunc("DELETE /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "sess-1" {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestStatusCommand(t *testing.T) {
	t.Run("stopped", func(t *testing.T) {
		path := writeConfig(t, nil)

		out, err := execute(t, "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: stopped")
	})

	t.Run("running", func(t *testing.T) {
		ts := sessionsServer(t)
		path := writeConfig(t, pointAt(t, ts))
		pidFile := daemon.PIDFilePath(filepath.Dir(path))
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644))

		out, err := execute(t, "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: running")
		assert.Contains(t, out, "PID: "+strconv.Itoa(os.Getpid()))
		assert.Contains(t, out, "Sessions: 1")
	})
}

func TestGatewayURL(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Gateway.Port = 9000

	assert.Equal(t, "http://127.0.0.1:9000", gatewayURL(cfg))

	cfg.Gateway.Host = "example.internal"
	assert.Equal(t, "http://example.internal:9000", gatewayURL(cfg))
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{name: "seconds only", duration: 45 * time.Second, expected: "45s"},
		{name: "minutes and seconds", duration: 5*time.Minute + 30*time.Second, expected: "5m30s"},
		{name: "hours minutes seconds", duration: 2*time.Hour + 15*time.Minute + 45*time.Second, expected: "2h15m45s"},
		{name: "zero", duration: 0, expected: "0s"},
		{name: "rounds", duration: 1500 * time.Millisecond, expected: "2s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.duration))
		})
	}
}
