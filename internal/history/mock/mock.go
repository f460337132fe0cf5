// Package mock provides an in-memory test double for [history.Store].
//
// The mock records every method call for assertion in tests and keeps the
// appended entries per session so Load returns what was written. All methods
// are safe for concurrent use.
//
// Typical usage:
//
//	store := &mock.Store{}
//	h := history.New(10, history.WithStore(store, "s1"))
//	h.Append(history.Entry{Text: "hello"})
//
//	if got := store.CallCount("Append"); got != 1 {
//	    t.Errorf("expected 1 Append call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/internal/history"
)

var _ history.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [history.Store].
type Store struct {
	mu sync.Mutex

	calls    []Call
	sessions map[string][]history.Entry

	// LoadErr is returned by [Store.Load] when non-nil.
	LoadErr error

	// AppendErr is returned by [Store.Append] when non-nil. Entries are not
	// kept when it is set.
	AppendErr error

	// ClearErr is returned by [Store.Clear] when non-nil.
	ClearErr error
}

// Load implements [history.Store].
func (m *Store) Load(_ context.Context, sessionID string, limit int) ([]history.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Load", Args: []any{sessionID, limit}})
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	all := m.sessions[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]history.Entry, len(all))
	copy(out, all)
	return out, nil
}

// Append implements [history.Store].
func (m *Store) Append(_ context.Context, sessionID string, entries ...history.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Append", Args: []any{sessionID, entries}})
	if m.AppendErr != nil {
		return m.AppendErr
	}
	if m.sessions == nil {
		m.sessions = make(map[string][]history.Entry)
	}
	m.sessions[sessionID] = append(m.sessions[sessionID], entries...)
	return nil
}

// Clear implements [history.Store].
func (m *Store) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Clear", Args: []any{sessionID}})
	if m.ClearErr != nil {
		return m.ClearErr
	}
	delete(m.sessions, sessionID)
	return nil
}

// Entries returns a copy of everything stored for sessionID.
func (m *Store) Entries(sessionID string) []history.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]history.Entry, len(m.sessions[sessionID]))
	copy(out, m.sessions[sessionID])
	return out
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and stored entries. Configured errors are kept.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.sessions = nil
}
