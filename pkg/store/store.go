package store

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/tandem/pkg/session"
)

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Backend is a session.Store that holds resources.
type Backend interface {
	session.Store
	// Prune removes snapshots not updated since before. Backends with
	// native expiry report 0.
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver        string
	Path          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration // 0 keeps snapshots forever
}

// Open creates the backend named by cfg.Driver.
func Open(cfg Config) (Backend, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemory(cfg.TTL), nil
	case DriverSQLite:
		return NewSQLite(cfg.Path, cfg.TTL)
	case DriverRedis:
		return NewRedis(RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.TTL,
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
