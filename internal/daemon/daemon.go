package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/tandem/internal/config"
	"github.com/harun/tandem/internal/logger"
	"github.com/harun/tandem/internal/observability"
	"github.com/harun/tandem/internal/tracing"
	"github.com/harun/tandem/pkg/commandqueue"
	"github.com/harun/tandem/pkg/gateway"
	"github.com/harun/tandem/pkg/handlers"
	"github.com/harun/tandem/pkg/runner"
	"github.com/harun/tandem/pkg/session"
	"github.com/harun/tandem/pkg/store"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 15 * time.Second

// Version is reported as the service version on traces.
var Version = "dev"

// Daemon wires the session engine to its store and gateway and owns their
// lifecycle.
type Daemon struct {
	config     *config.Config
	configPath string
	logger     *logger.Logger

	// Core modules
	store    store.Backend
	queue    *commandqueue.CommandQueue
	registry *session.Registry
	sweeper  *session.Sweeper

	// Services
	gatewayServer *gateway.Server
	watcher       *config.Watcher

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running   bool          `json:"running"`
	StartTime time.Time     `json:"start_time,omitempty"`
	Uptime    time.Duration `json:"uptime"`
	Sessions  int           `json:"sessions"`
	Clients   int           `json:"clients"`
}

// New creates a new daemon instance. configPath is watched for changes when
// the file exists.
func New(cfg *config.Config, configPath string, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config:     cfg,
		configPath: configPath,
		logger:     log,
		ctx:        ctx,
		cancel:     cancel,
	}

	if cfg.Tracing.Enabled {
		err := tracing.InitOpenTelemetry(tracing.Config{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: Version,
			SampleRatio:    cfg.Tracing.SampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.closeCore()
		cancel()
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.closeCore()
		cancel()
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initializeCoreModules builds the store, the persistence queue and the
// session registry.
func (d *Daemon) initializeCoreModules() error {
	if err := os.MkdirAll(d.config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	auditPath := filepath.Join(d.config.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	storePath := d.config.Store.Path
	if storePath == "" && d.config.Store.Driver == store.DriverSQLite {
		storePath = filepath.Join(d.config.DataDir, "sessions.db")
	}
	backend, err := store.Open(store.Config{
		Driver:        d.config.Store.Driver,
		Path:          storePath,
		RedisAddr:     d.config.Store.RedisAddr,
		RedisPassword: d.config.Store.RedisPassword,
		RedisDB:       d.config.Store.RedisDB,
		TTL:           d.config.Store.TTL,
	})
	if err != nil {
		return fmt.Errorf("failed to open snapshot store: %w", err)
	}
	d.store = backend
	d.logger.Info().Str("driver", d.config.Store.Driver).Msg("Snapshot store opened")

	d.queue = commandqueue.New()
	d.logger.Info().Msg("Command queue initialized")

	handler, err := handlers.New(d.config.Handler, d.logger.Component("handler"))
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}

	opts, err := engineOptions(d.config.Engine)
	if err != nil {
		return err
	}

	registry, err := session.NewRegistry(session.Config{
		Handler:     handler,
		HandlerName: d.config.Handler.Name,
		Options:     opts,
		Store:       d.store,
		Queue:       d.queue,
		Logger:      d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create session registry: %w", err)
	}
	d.registry = registry
	d.logger.Info().Str("handler", d.config.Handler.Name).Msg("Session registry initialized")

	sweeper, err := session.NewSweeper(registry, d.config.Engine.SweepSchedule, d.logger.Component("sweeper"))
	if err != nil {
		return fmt.Errorf("failed to create session sweeper: %w", err)
	}
	d.sweeper = sweeper

	return nil
}

// initializeServices builds the gateway and the config watcher.
func (d *Daemon) initializeServices() error {
	gw := d.config.Gateway
	server, err := gateway.NewServer(gateway.Config{
		Host:           gw.Host,
		Port:           gw.Port,
		Registry:       d.registry,
		ReadLimit:      gw.ReadLimit,
		RateLimit:      gw.RateLimit,
		RateBurst:      gw.RateBurst,
		WriteTimeout:   gw.WriteTimeout,
		PingInterval:   gw.PingInterval,
		AllowedOrigins: gw.AllowedOrigins,
		Logger:         d.logger.Component("gateway"),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server

	if d.configPath != "" {
		if _, err := os.Stat(d.configPath); err == nil {
			watcher, err := config.NewWatcher(config.WatcherConfig{
				Path:     d.configPath,
				OnReload: d.applyConfig,
				Logger:   d.logger.Component("config"),
			})
			if err != nil {
				d.logger.Warn().Err(err).Msg("Config hot reload disabled")
			} else {
				d.watcher = watcher
			}
		}
	}

	return nil
}

func engineOptions(cfg config.EngineConfig) (session.Options, error) {
	policy, err := runner.ParsePolicy(cfg.QueuePolicy)
	if err != nil {
		return session.Options{}, err
	}
	return session.Options{
		Policy:         policy,
		GracePeriod:    cfg.GracePeriod,
		MaxRunDuration: cfg.MaxRunDuration,
		FlushTimeout:   cfg.FlushTimeout,
		EmitterBuffer:  cfg.EmitterBuffer,
	}, nil
}

// applyConfig takes the engine and log settings from a reloaded config.
// Gateway, store and handler changes need a restart.
func (d *Daemon) applyConfig(cfg *config.Config) {
	opts, err := engineOptions(cfg.Engine)
	if err == nil {
		err = d.registry.UpdateEngine(opts)
	}
	if err != nil {
		d.logger.Warn().Err(err).Msg("Ignoring reloaded engine settings")
		return
	}

	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil && cfg.Logging.Level != "" {
		zerolog.SetGlobalLevel(level)
	}

	d.mu.Lock()
	d.config.Engine = cfg.Engine
	d.config.Logging.Level = cfg.Logging.Level
	d.mu.Unlock()

	observability.RecordConfigAudit(d.ctx, "reloaded", "watcher", map[string]interface{}{
		"queue_policy": cfg.Engine.QueuePolicy,
		"grace_period": cfg.Engine.GracePeriod.String(),
	})
	d.logger.Info().
		Str("queue_policy", cfg.Engine.QueuePolicy).
		Dur("grace_period", cfg.Engine.GracePeriod).
		Msg("Engine settings reloaded")
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting tandem daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	if err := d.sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start session sweeper: %w", err)
	}
	logger.Info().Msg("Session sweeper started")

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start config watcher")
		} else {
			logger.Info().Str("path", d.configPath).Msg("Config watcher started")
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started successfully")
	return nil
}

// Stop stops the daemon service gracefully. Connections are closed first,
// then active runs are cancelled and pending snapshot writes flushed before
// the store is closed.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping tandem daemon")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
		}
	}

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	if d.sweeper != nil && d.sweeper.IsRunning() {
		if err := d.sweeper.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop session sweeper")
		}
	}

	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.registry.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to close session registry")
	}
	d.closeCore()

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.shutdownTracing()

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// closeCore releases the queue and the store. Safe on a partially built daemon.
func (d *Daemon) closeCore() {
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close command queue")
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close snapshot store")
		}
	}
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Sessions: d.registry.Len(),
		Clients:  d.gatewayServer.Clients().Count(),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetQueue returns the persistence queue
func (d *Daemon) GetQueue() *commandqueue.CommandQueue {
	return d.queue
}

// GetRegistry returns the session registry
func (d *Daemon) GetRegistry() *session.Registry {
	return d.registry
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetStore returns the snapshot store
func (d *Daemon) GetStore() store.Backend {
	return d.store
}
