package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadFunc receives a freshly loaded and validated config.
type ReloadFunc func(cfg *Config)

// WatcherConfig holds configuration for the watcher
type WatcherConfig struct {
	Path               string
	StabilityThreshold time.Duration
	OnReload           ReloadFunc
	Logger             zerolog.Logger
}

// Watcher reloads the config file when it changes on disk. Invalid files are
// logged and ignored so the running config stays in effect.
type Watcher struct {
	watcher            *fsnotify.Watcher
	loader             *Loader
	path               string
	stabilityThreshold time.Duration
	onReload           ReloadFunc
	logger             zerolog.Logger

	done     chan struct{}
	debounce *time.Timer
	mu       sync.Mutex
	stopOnce sync.Once
}

// NewWatcher creates a config watcher
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if cfg.OnReload == nil {
		return nil, fmt.Errorf("reload callback is required")
	}
	if cfg.StabilityThreshold == 0 {
		cfg.StabilityThreshold = 200 * time.Millisecond
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	return &Watcher{
		watcher:            fw,
		loader:             NewLoader(path),
		path:               path,
		stabilityThreshold: cfg.StabilityThreshold,
		onReload:           cfg.OnReload,
		logger:             cfg.Logger.With().Str("component", "config-watcher").Logger(),
		done:               make(chan struct{}),
	}, nil
}

// Start starts watching. The parent directory is watched so that editors
// replacing the file by rename are picked up.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.eventLoop()

	w.logger.Info().Str("path", w.path).Msg("Config watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.mu.Lock()
	if w.debounce != nil {
		w.debounce.Stop()
		w.debounce = nil
	}
	w.mu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(w.stabilityThreshold, func() {
		select {
		case <-w.done:
			return
		default:
			w.reload()
		}
	})
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to reload config, keeping current settings")
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn().Err(err).Msg("Reloaded config is invalid, keeping current settings")
		return
	}

	w.logger.Info().Msg("Config reloaded")
	w.onReload(cfg)
}
