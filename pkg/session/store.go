package session

import (
	"context"
	"errors"
	"time"

	"github.com/harun/tandem/pkg/step"
)

// ErrSnapshotNotFound is returned by a Store when no snapshot exists for a token.
var ErrSnapshotNotFound = errors.New("session snapshot not found")

// Snapshot is the persisted form of a session. The grace period of a stored
// session runs from DisconnectedAt when set, otherwise from UpdatedAt.
type Snapshot struct {
	SessionID      string        `json:"session_id"`
	Token          string        `json:"session_token"`
	Tree           step.Snapshot `json:"tree"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	DisconnectedAt *time.Time    `json:"disconnected_at,omitempty"`
}

// ResumableAt reports whether a session restored from snap may still be
// resumed at now.
func (snap Snapshot) ResumableAt(now time.Time, grace time.Duration) bool {
	from := snap.UpdatedAt
	if snap.DisconnectedAt != nil {
		from = *snap.DisconnectedAt
	}
	if from.IsZero() {
		return true
	}
	return now.Before(from.Add(grace))
}

// Store persists session snapshots keyed by session token.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, token string) (Snapshot, error)
	Delete(ctx context.Context, token string) error
}
