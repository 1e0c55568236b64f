package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "tandem.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"engine":{"queue_policy":"queue"}}`), 0644))

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(WatcherConfig{
		Path:               configPath,
		StabilityThreshold: 20 * time.Millisecond,
		OnReload:           func(cfg *Config) { reloaded <- cfg },
		Logger:             zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	// Invalid content is ignored.
	require.NoError(t, os.WriteFile(configPath, []byte(`{"engine":{"queue_policy":"bogus"}}`), 0644))
	select {
	case cfg := <-reloaded:
		t.Fatalf("unexpected reload with policy %q", cfg.Engine.QueuePolicy)
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(configPath, []byte(`{"engine":{"queue_policy":"reject"}}`), 0644))
	select {
	case cfg := <-reloaded:
		assert.Equal(t, "reject", cfg.Engine.QueuePolicy)
	case <-time.After(3 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func TestNewWatcherRequiresCallback(t *testing.T) {
	_, err := NewWatcher(WatcherConfig{Path: "tandem.json"})
	assert.Error(t, err)
}
