package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/tandem/internal/config"
	"github.com/harun/tandem/internal/logger"
	"github.com/harun/tandem/pkg/runner"
	"github.com/harun/tandem/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 0
	cfg.Handler.EchoDelay = 0
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

// createTestDaemon builds a daemon that is released at test cleanup whether
// or not it was started.
func createTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()

	d, err := New(cfg, "", testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		if d.Status().Running {
			_ = d.Stop()
			return
		}
		_ = d.registry.Close(context.Background())
		d.closeCore()
	})
	return d
}

func TestNew(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	assert.NotNil(t, d.store)
	assert.NotNil(t, d.queue)
	assert.NotNil(t, d.registry)
	assert.NotNil(t, d.sweeper)
	assert.NotNil(t, d.gatewayServer)
	assert.NotNil(t, d.eventLoop)
	assert.NotNil(t, d.lifecycle)
	assert.Nil(t, d.watcher)
	assert.FileExists(t, filepath.Join(d.config.DataDir, "audit.log"))
}

func TestNew_InvalidSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{name: "queue policy", mutate: func(cfg *config.Config) { cfg.Engine.QueuePolicy = "drop-everything" }},
		{name: "handler", mutate: func(cfg *config.Config) { cfg.Handler.Name = "parrot" }},
		{name: "store driver", mutate: func(cfg *config.Config) { cfg.Store.Driver = "etcd" }},
		{name: "sweep schedule", mutate: func(cfg *config.Config) { cfg.Engine.SweepSchedule = "whenever" }},
		{name: "port", mutate: func(cfg *config.Config) { cfg.Gateway.Port = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)

			_, err := New(cfg, "", testLogger(t))
			assert.Error(t, err)
		})
	}
}

func TestNew_SQLiteDefaultsIntoDataDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = store.DriverSQLite

	d := createTestDaemon(t, cfg)

	assert.FileExists(t, filepath.Join(cfg.DataDir, "sessions.db"))
	assert.NotNil(t, d.GetStore())
}

func TestNew_WatchesExistingConfigFile(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(cfg.DataDir, "config.json")
	require.NoError(t, config.NewLoader(path).Save(cfg))

	d, err := New(cfg, path, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = d.registry.Close(context.Background())
		d.closeCore()
	})

	assert.NotNil(t, d.watcher)
}

func TestDaemonStartStop(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	require.NoError(t, d.Start())

	status := d.Status()
	assert.True(t, status.Running)
	assert.False(t, status.StartTime.IsZero())
	assert.Equal(t, 0, status.Sessions)
	assert.FileExists(t, PIDFilePath(d.config.DataDir))

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", d.GetGatewayServer().Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	time.Sleep(50 * time.Millisecond)
	assert.Greater(t, d.Status().Uptime, time.Duration(0))

	require.NoError(t, d.Stop())

	status = d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)
	assert.NoFileExists(t, PIDFilePath(d.config.DataDir))
}

func TestDaemonStartTwice(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	require.NoError(t, d.Start())
	assert.Error(t, d.Start())
}

func TestDaemonStopNotRunning(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	assert.Error(t, d.Stop())
}

func TestDaemon_SessionsEndpoint(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	require.NoError(t, d.Start())

	ctx := context.Background()
	s, resumed, err := d.GetRegistry().GetOrCreate(ctx, "")
	require.NoError(t, err)
	assert.False(t, resumed)

	resp, err := http.Get(fmt.Sprintf("http://%s/sessions", d.GetGatewayServer().Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Sessions []struct {
			ID string `json:"id"`
		} `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, s.ID(), body.Sessions[0].ID)
	assert.Equal(t, 1, d.Status().Sessions)
}

func TestApplyConfig(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	reloaded := testConfig(t)
	reloaded.Engine.QueuePolicy = string(runner.PolicyQueue)
	reloaded.Engine.GracePeriod = time.Minute
	d.applyConfig(reloaded)

	opts := d.GetRegistry().Options()
	assert.Equal(t, runner.PolicyQueue, opts.Policy)
	assert.Equal(t, time.Minute, opts.GracePeriod)
	assert.Equal(t, string(runner.PolicyQueue), d.GetConfig().Engine.QueuePolicy)

	reloaded = testConfig(t)
	reloaded.Engine.QueuePolicy = "bogus"
	d.applyConfig(reloaded)

	assert.Equal(t, runner.PolicyQueue, d.GetRegistry().Options().Policy)
}

func TestDaemon_StaleAuditPathFallsBack(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.DataDir, "audit.log"), 0755))

	d := createTestDaemon(t, cfg)
	assert.NotNil(t, d.GetLogger())
}
