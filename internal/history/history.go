// Package history keeps the bounded conversation window that is embedded in
// every prompt.
//
// A [History] belongs to one session. It is mutated by the response
// orchestrator at turn boundaries only, but is safe for concurrent use so
// that readers such as the session listing can take snapshots at any time.
// An optional [Store] mirrors every change for durability across restarts.
package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/types"
)

// DefaultCapacity is the number of entries kept when none is configured.
const DefaultCapacity = 10

// storeTimeout bounds each mirrored write.
const storeTimeout = 2 * time.Second

// Entry is one line of conversation history.
type Entry struct {
	Role     types.Role
	Text     string
	Language types.Language

	// Partial marks agent text cut short by a barge-in.
	Partial bool

	At time.Time
}

// Store persists history entries per session. Implementations must be safe
// for concurrent use.
type Store interface {
	// Load returns the newest limit entries for sessionID, oldest first.
	Load(ctx context.Context, sessionID string, limit int) ([]Entry, error)

	// Append stores entries for sessionID in order.
	Append(ctx context.Context, sessionID string, entries ...Entry) error

	// Clear deletes every entry for sessionID.
	Clear(ctx context.Context, sessionID string) error
}

// Option is a functional option for [New].
type Option func(*History)

// WithStore mirrors every change to s under sessionID. Store errors are
// logged and never fail the in-memory operation.
func WithStore(s Store, sessionID string) Option {
	return func(h *History) {
		h.store = s
		h.sessionID = sessionID
	}
}

// WithLogger sets the logger used to report store failures.
func WithLogger(l *slog.Logger) Option {
	return func(h *History) { h.log = l }
}

// WithClock overrides the time source used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(h *History) { h.now = now }
}

// History is a fixed-capacity ring of entries. When full, the oldest entry
// is evicted.
type History struct {
	capacity  int
	store     Store
	sessionID string
	log       *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries []Entry
}

// New creates an empty History. A capacity below one selects
// [DefaultCapacity].
func New(capacity int, opts ...Option) *History {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	h := &History{
		capacity: capacity,
		log:      slog.Default(),
		now:      time.Now,
		entries:  make([]Entry, 0, capacity),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Capacity returns the maximum number of entries retained.
func (h *History) Capacity() int { return h.capacity }

// Hydrate replaces the in-memory window with the newest entries from the
// configured store. It is a no-op without a store.
func (h *History) Hydrate(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	entries, err := h.store.Load(ctx, h.sessionID, h.capacity)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = h.entries[:0]
	h.push(entries...)
	return nil
}

// Append adds entries in order, evicting the oldest as needed.
func (h *History) Append(entries ...Entry) {
	if len(entries) == 0 {
		return
	}
	entries = h.stamp(append([]Entry(nil), entries...))
	h.mu.Lock()
	h.push(entries...)
	h.mu.Unlock()
	h.mirror(entries)
}

// AppendTurn records a completed exchange. It returns false and changes
// nothing when the same user/agent pair already ends the history, which
// happens when two completion paths race to save the same turn. The user
// entry is not repeated when the most recent entry is already that same user
// utterance.
func (h *History) AppendTurn(user, agent Entry) bool {
	user.Role, agent.Role = types.RoleUser, types.RoleAgent

	h.mu.Lock()
	if n := len(h.entries); n >= 2 && h.lastIs(types.RoleAgent, agent.Text) {
		prev := h.entries[n-2]
		if prev.Role == types.RoleUser && prev.Text == user.Text {
			h.mu.Unlock()
			return false
		}
	}
	add := []Entry{user, agent}
	if h.lastIs(types.RoleUser, user.Text) {
		add = add[1:]
	}
	add = h.stamp(add)
	h.push(add...)
	h.mu.Unlock()

	h.mirror(add)
	return true
}

// AppendPartial records an interrupted exchange: the user entry and, when
// partial is non-empty, the agent text generated before the barge-in marked
// as partial. It returns the number of entries added.
func (h *History) AppendPartial(user Entry, partial string) int {
	user.Role = types.RoleUser

	h.mu.Lock()
	var add []Entry
	if !h.lastIs(types.RoleUser, user.Text) {
		add = append(add, user)
	}
	if partial != "" {
		add = append(add, Entry{
			Role:     types.RoleAgent,
			Text:     partial,
			Language: user.Language,
			Partial:  true,
		})
	}
	add = h.stamp(add)
	h.push(add...)
	h.mu.Unlock()

	h.mirror(add)
	return len(add)
}

// Snapshot returns a copy of the current entries, oldest first.
func (h *History) Snapshot() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of entries held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Clear drops every entry, including those in the configured store.
func (h *History) Clear() {
	h.mu.Lock()
	h.entries = h.entries[:0]
	h.mu.Unlock()

	if h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.store.Clear(ctx, h.sessionID); err != nil {
		h.log.Warn("history: clear store", "session_id", h.sessionID, "err", err)
	}
}

// push appends and evicts. Must be called with h.mu held.
func (h *History) push(entries ...Entry) {
	h.entries = append(h.entries, entries...)
	if over := len(h.entries) - h.capacity; over > 0 {
		n := copy(h.entries, h.entries[over:])
		clear(h.entries[n:])
		h.entries = h.entries[:n]
	}
}

// lastIs must be called with h.mu held.
func (h *History) lastIs(role types.Role, text string) bool {
	n := len(h.entries)
	return n > 0 && h.entries[n-1].Role == role && h.entries[n-1].Text == text
}

func (h *History) stamp(entries []Entry) []Entry {
	now := h.now()
	for i := range entries {
		if entries[i].At.IsZero() {
			entries[i].At = now
		}
	}
	return entries
}

func (h *History) mirror(entries []Entry) {
	if h.store == nil || len(entries) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.store.Append(ctx, h.sessionID, entries...); err != nil {
		h.log.Warn("history: mirror to store", "session_id", h.sessionID, "entries", len(entries), "err", err)
	}
}
