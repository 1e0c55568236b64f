package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/tandem/internal/tracing"
	"github.com/harun/tandem/pkg/session"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
)

const defaultKeyPrefix = "tandem:session:"

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	// KeyPrefix namespaces snapshot keys. Defaults to "tandem:session:".
	KeyPrefix string
	// Client, when set, is used instead of dialing Addr. The store does not
	// close a client it was given.
	Client *redis.Client
}

// Redis stores snapshots as JSON strings with native key expiry.
type Redis struct {
	rdb        *redis.Client
	ownsClient bool
	ttl        time.Duration
	prefix     string
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	rdb := cfg.Client
	owns := false
	if rdb == nil {
		if cfg.Addr == "" {
			return nil, errors.New("redis address is required")
		}
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		owns = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		if owns {
			_ = rdb.Close()
		}
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Redis{rdb: rdb, ownsClient: owns, ttl: cfg.TTL, prefix: prefix}, nil
}

func (r *Redis) key(token string) string {
	return r.prefix + token
}

func (r *Redis) Save(ctx context.Context, snap session.Snapshot) (err error) {
	ctx, span := tracing.StartSpan(ctx, "tandem.store", "store.redis.save",
		attribute.String("session_id", snap.SessionID),
		attribute.Int("steps", len(snap.Tree.Steps)),
	)
	defer func() {
		tracing.SpanError(span, err)
		span.End()
	}()

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := r.rdb.Set(ctx, r.key(snap.Token), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (r *Redis) Load(ctx context.Context, token string) (session.Snapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "tandem.store", "store.redis.load")
	defer span.End()

	payload, err := r.rdb.Get(ctx, r.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.Snapshot{}, session.ErrSnapshotNotFound
	}
	if err != nil {
		tracing.SpanError(span, err)
		return session.Snapshot{}, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var snap session.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return session.Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, nil
}

func (r *Redis) Delete(ctx context.Context, token string) error {
	if err := r.rdb.Del(ctx, r.key(token)).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// Prune is a no-op: keys expire on their own.
func (r *Redis) Prune(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (r *Redis) Close() error {
	if !r.ownsClient {
		return nil
	}
	return r.rdb.Close()
}
