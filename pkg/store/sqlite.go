package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/tandem/internal/tracing"
	"github.com/harun/tandem/pkg/session"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
)

// SQLite stores snapshots as JSON documents in a single table.
type SQLite struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewSQLite opens (or creates) the database at path.
func NewSQLite(path string, ttl time.Duration) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps sqlite from returning SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLite{db: db, ttl: ttl, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS session_snapshots (
			token TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_snapshots_session ON session_snapshots(session_id);
		CREATE INDEX IF NOT EXISTS idx_snapshots_updated ON session_snapshots(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) Save(ctx context.Context, snap session.Snapshot) (err error) {
	ctx, span := tracing.StartSpan(ctx, "tandem.store", "store.sqlite.save",
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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_snapshots (token, session_id, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			session_id = excluded.session_id,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, snap.Token, snap.SessionID, payload, snap.CreatedAt.UnixMilli(), snap.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *SQLite) Load(ctx context.Context, token string) (session.Snapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "tandem.store", "store.sqlite.load")
	defer span.End()

	var (
		payload   []byte
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, updated_at FROM session_snapshots WHERE token = ?`, token,
	).Scan(&payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Snapshot{}, session.ErrSnapshotNotFound
	}
	if err != nil {
		tracing.SpanError(span, err)
		return session.Snapshot{}, fmt.Errorf("failed to load snapshot: %w", err)
	}

	if s.ttl > 0 && !s.now().Before(time.UnixMilli(updatedAt).Add(s.ttl)) {
		return session.Snapshot{}, session.ErrSnapshotNotFound
	}

	var snap session.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return session.Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, nil
}

func (s *SQLite) Delete(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_snapshots WHERE token = ?`, token); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

func (s *SQLite) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_snapshots WHERE updated_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
