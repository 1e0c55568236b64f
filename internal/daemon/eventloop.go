package daemon

import (
	"context"
	"time"
)

const maintenanceInterval = 30 * time.Second

// EventLoop handles periodic maintenance
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: maintenanceInterval,
	}
}

// Run runs the event loop with periodic maintenance tasks
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks prunes stale snapshots and logs persistence lane backlog.
func (e *EventLoop) processTasks(ctx context.Context) {
	if ttl := e.daemon.config.Store.TTL; ttl > 0 && e.daemon.store != nil {
		n, err := e.daemon.store.Prune(ctx, time.Now().Add(-ttl))
		if err != nil {
			e.daemon.logger.Warn().Err(err).Msg("Snapshot prune failed")
		} else if n > 0 {
			e.daemon.logger.Info().Int("pruned", n).Msg("Pruned stale snapshots")
		}
	}

	stats := e.daemon.queue.GetStats()
	for lane, laneStats := range stats {
		if laneStats["queued"] > 0 || laneStats["running"] > 0 {
			e.daemon.logger.Debug().
				Str("lane", lane).
				Int("queued", laneStats["queued"]).
				Int("running", laneStats["running"]).
				Msg("Queue stats")
		}
	}
}
