// Package store implements session.Store backends.
//
// Invariants:
// - Snapshots are keyed by session token; Save overwrites.
// - Load returns session.ErrSnapshotNotFound for missing or expired entries.
// - Expired snapshots are never returned once their TTL has passed.
//
// Usage:
//
//	st, _ := store.Open(store.Config{Driver: "sqlite", Path: "/var/lib/tandem/sessions.db", TTL: 24 * time.Hour})
//	defer st.Close()
//	reg, _ := session.NewRegistry(session.Config{Handler: h, Store: st})
package store
