package session

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/parley/internal/history"
)

// StoreGuard wraps a [history.Store] and makes all operations non-fatal. If
// the underlying store fails, operations return defaults and log warnings
// instead of propagating errors, so conversations continue while the database
// is unavailable. IsDegraded reports whether the most recent operation failed
// and backs the readiness probe.
//
// All methods are safe for concurrent use.
type StoreGuard struct {
	store    history.Store
	degraded atomic.Bool
}

var _ history.Store = (*StoreGuard)(nil)

// NewStoreGuard creates a new [StoreGuard] wrapping store.
func NewStoreGuard(store history.Store) *StoreGuard {
	return &StoreGuard{store: store}
}

// Load reads entries from the underlying store. On failure an empty slice is
// returned and the store is marked as degraded.
func (g *StoreGuard) Load(ctx context.Context, sessionID string, limit int) ([]history.Entry, error) {
	entries, err := g.store.Load(ctx, sessionID, limit)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("store guard: Load failed, returning empty", "session_id", sessionID, "err", err)
		return []history.Entry{}, nil
	}
	g.degraded.Store(false)
	return entries, nil
}

// Append writes entries to the underlying store. On failure the error is
// logged and swallowed; the store is marked as degraded.
func (g *StoreGuard) Append(ctx context.Context, sessionID string, entries ...history.Entry) error {
	if err := g.store.Append(ctx, sessionID, entries...); err != nil {
		g.degraded.Store(true)
		slog.Warn("store guard: Append failed, swallowing error",
			"session_id", sessionID,
			"entries", len(entries),
			"err", err,
		)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// Clear deletes a session's entries. On failure the error is logged and
// swallowed; the store is marked as degraded.
func (g *StoreGuard) Clear(ctx context.Context, sessionID string) error {
	if err := g.store.Clear(ctx, sessionID); err != nil {
		g.degraded.Store(true)
		slog.Warn("store guard: Clear failed, swallowing error", "session_id", sessionID, "err", err)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// IsDegraded reports whether the most recent operation on the underlying
// store failed.
func (g *StoreGuard) IsDegraded() bool {
	return g.degraded.Load()
}
