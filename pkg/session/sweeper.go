package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const DefaultSweepSchedule = "@every 5s"

// Sweeper periodically expires sessions whose grace period has elapsed.
type Sweeper struct {
	registry *Registry
	schedule string
	logger   zerolog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewSweeper creates a sweeper for registry. schedule is a cron spec or
// descriptor such as "@every 5s".
func NewSweeper(registry *Registry, schedule string, logger zerolog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	return &Sweeper{
		registry: registry,
		schedule: schedule,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}, nil
}

// Start schedules the sweep job.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweeper is already running")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() { s.RunNow() }); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	c.Start()

	s.cron = c
	s.running = true
	s.logger.Info().Str("schedule", s.schedule).Msg("Session sweeper started")
	return nil
}

// Stop cancels the schedule and waits for a sweep in progress to finish.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper is not running")
	}
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()

	<-c.Stop().Done()
	s.logger.Info().Msg("Session sweeper stopped")
	return nil
}

// IsRunning reports whether the schedule is active.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}

// RunNow performs one sweep immediately and returns the expired session ids.
func (s *Sweeper) RunNow() []string {
	expired := s.registry.ExpireStale(time.Now())
	if len(expired) > 0 {
		s.logger.Debug().Int("expired", len(expired)).Msg("Sweep completed")
	}
	return expired
}
