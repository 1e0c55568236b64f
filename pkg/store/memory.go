package store

import (
	"context"
	"sync"
	"time"

	"github.com/harun/tandem/pkg/session"
)

// Memory keeps snapshots in process memory. Sessions survive reconnects but
// not restarts.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	snaps map[string]session.Snapshot
}

// NewMemory creates an in-memory store.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:   ttl,
		now:   time.Now,
		snaps: make(map[string]session.Snapshot),
	}
}

func (m *Memory) Save(_ context.Context, snap session.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snaps[snap.Token] = snap
	return nil
}

func (m *Memory) Load(_ context.Context, token string) (session.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snaps[token]
	if !ok || m.expired(snap) {
		return session.Snapshot{}, session.ErrSnapshotNotFound
	}
	return snap, nil
}

func (m *Memory) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.snaps, token)
	return nil
}

func (m *Memory) Prune(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for token, snap := range m.snaps {
		if snap.UpdatedAt.Before(before) {
			delete(m.snaps, token)
			pruned++
		}
	}
	return pruned, nil
}

// Len returns the number of stored snapshots, expired ones included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.snaps)
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) expired(snap session.Snapshot) bool {
	return m.ttl > 0 && !m.now().Before(snap.UpdatedAt.Add(m.ttl))
}
