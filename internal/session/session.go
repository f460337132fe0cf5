// Package session owns the per-conversation state of the engine.
//
// A [Session] bundles everything one conversation needs: its voice activity
// detector, interrupt coordinator, bounded history and response orchestrator.
// Nothing is shared between sessions except the provider clients and worker
// pools, so concurrent conversations cannot interfere with each other.
//
// The [Manager] creates sessions on demand, resets and closes them, and sweeps
// sessions that have been idle for longer than a TTL.
package session

import (
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/interrupt"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/internal/vad"
	"github.com/MrWong99/parley/pkg/types"
)

// Session is one conversation. Its components are safe for concurrent use;
// turns are serialized by the orchestrator.
type Session struct {
	ID string

	Detector     *vad.Detector
	Coordinator  *interrupt.Coordinator
	History      *history.History
	Orchestrator *turn.Orchestrator

	created    time.Time
	lastActive atomic.Int64
	conns      atomic.Int32
}

// Info is a read-only summary of a session.
type Info struct {
	ID          string         `json:"id"`
	Created     time.Time      `json:"created"`
	LastActive  time.Time      `json:"last_active"`
	Language    types.Language `json:"language,omitempty"`
	HistoryLen  int            `json:"history_len"`
	Connections int            `json:"connections"`
	UserActive  bool           `json:"user_active"`
}

// Touch records activity on the session.
func (s *Session) Touch(now time.Time) {
	s.lastActive.Store(now.UnixNano())
}

// LastActive returns the time of the most recent activity.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Attach registers an audio connection. Sessions with an attached connection
// are never swept. The returned function detaches it.
func (s *Session) Attach() (detach func()) {
	s.conns.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			s.conns.Add(-1)
		}
	}
}

// Reset clears the history and returns the coordinator and detector to their
// idle state. It is idempotent.
func (s *Session) Reset() {
	s.History.Clear()
	s.Coordinator.Reset()
	s.Detector.Reset()
}

// Info returns a summary of the session.
func (s *Session) Info() Info {
	return Info{
		ID:          s.ID,
		Created:     s.created,
		LastActive:  s.LastActive(),
		Language:    s.Detector.State().Language,
		HistoryLen:  s.History.Len(),
		Connections: int(s.conns.Load()),
		UserActive:  s.Coordinator.UserActive(),
	}
}
