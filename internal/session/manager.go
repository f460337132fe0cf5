package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/interrupt"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/ttspool"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/internal/vad"
	"github.com/MrWong99/parley/pkg/provider/llm"
	vadengine "github.com/MrWong99/parley/pkg/provider/vad"
)

// DefaultTTL is how long an unattached session may stay idle before Sweep
// closes it.
const DefaultTTL = 30 * time.Minute

// ErrInvalidID is returned for client-supplied session IDs that are empty
// after trimming, too long or contain characters outside [A-Za-z0-9_-].
var ErrInvalidID = errors.New("session: invalid id")

// ErrNotFound is returned when no live session has the requested ID.
var ErrNotFound = errors.New("session: not found")

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Config holds the shared dependencies every session is built from.
type Config struct {
	// VAD creates one classifier session per conversation. Required.
	VAD vadengine.Engine

	// Detector tunes the per-session voice activity detector.
	Detector vad.Config

	// LLM generates responses. Required.
	LLM llm.Provider

	// Pools are the shared per-language synthesis pools. May be nil.
	Pools *ttspool.Set

	// Store mirrors history durably. May be nil.
	Store history.Store

	// HistoryCapacity bounds each session's history. Defaults to
	// [history.DefaultCapacity].
	HistoryCapacity int

	// TTL is the idle time after which an unattached session is swept.
	// Defaults to [DefaultTTL].
	TTL time.Duration

	// Interrupt configures every session's coordinator.
	Interrupt []interrupt.Option

	// Turn configures every session's orchestrator. Applied after the
	// manager's own options.
	Turn []turn.Option
}

// Option is a functional option for [NewManager].
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock overrides the time source used for activity tracking.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager creates and tracks sessions. All methods are safe for concurrent
// use.
type Manager struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session

	stopOnce sync.Once
	done     chan struct{}
}

// NewManager validates cfg and returns an empty Manager.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.VAD == nil {
		return nil, fmt.Errorf("session: VAD engine must not be nil")
	}
	if cfg.LLM == nil {
		return nil, fmt.Errorf("session: LLM provider must not be nil")
	}
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = history.DefaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	m := &Manager{
		cfg:      cfg,
		log:      slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m, nil
}

// Get returns the session with id, if it exists.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// GetOrCreate returns the session with id, creating it when needed. An empty
// id creates a session with a fresh random ID. created reports whether a new
// session was built. A new session's history is loaded from the store when
// one is configured.
func (m *Manager) GetOrCreate(ctx context.Context, id string) (s *Session, created bool, err error) {
	if id == "" {
		id = uuid.NewString()
	} else if !validID.MatchString(id) {
		return nil, false, ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Touch(m.now())
		return s, false, nil
	}

	s, err = m.build(ctx, id)
	if err != nil {
		return nil, false, err
	}
	m.sessions[id] = s
	m.metrics.ActiveSessions.Add(ctx, 1)
	m.log.Info("session: created", "session_id", id)
	return s, true, nil
}

// build must be called with m.mu held.
func (m *Manager) build(ctx context.Context, id string) (*Session, error) {
	log := m.log.With("session_id", id)

	det, err := vad.New(m.cfg.VAD, m.cfg.Detector, vad.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	coord := interrupt.New(append([]interrupt.Option{interrupt.WithLogger(log)}, m.cfg.Interrupt...)...)

	histOpts := []history.Option{history.WithLogger(log)}
	if m.cfg.Store != nil {
		histOpts = append(histOpts, history.WithStore(m.cfg.Store, id))
	}
	hist := history.New(m.cfg.HistoryCapacity, histOpts...)
	if err := hist.Hydrate(ctx); err != nil {
		log.Warn("session: load history", "err", err)
	}

	turnOpts := []turn.Option{
		turn.WithPools(m.cfg.Pools),
		turn.WithDetector(det),
		turn.WithDetectorLanguage(det.SetLanguage),
		turn.WithLogger(log),
		turn.WithMetrics(m.metrics),
	}
	orch := turn.New(m.cfg.LLM, coord, hist, append(turnOpts, m.cfg.Turn...)...)

	now := m.now()
	s := &Session{
		ID:           id,
		Detector:     det,
		Coordinator:  coord,
		History:      hist,
		Orchestrator: orch,
		created:      now,
	}
	s.Touch(now)
	return s, nil
}

// Reset clears the session's history, coordinator and detector. Resetting an
// unknown session clears only its stored history. Reset is idempotent.
func (m *Manager) Reset(ctx context.Context, id string) error {
	if s, ok := m.Get(id); ok {
		s.Reset()
		s.Touch(m.now())
		m.log.Info("session: reset", "session_id", id)
		return nil
	}
	if m.cfg.Store != nil && id != "" {
		if err := m.cfg.Store.Clear(ctx, id); err != nil {
			return fmt.Errorf("session: reset %s: %w", id, err)
		}
	}
	return nil
}

// Close removes the session and releases its detector. It reports whether
// the session existed.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.release(s)
	return true
}

func (m *Manager) release(s *Session) {
	if err := s.Detector.Close(); err != nil {
		m.log.Warn("session: close detector", "session_id", s.ID, "err", err)
	}
	m.metrics.ActiveSessions.Add(context.Background(), -1)
	m.log.Info("session: closed", "session_id", s.ID)
}

// Sweep closes every session without an attached connection that has been
// idle for longer than idle, and returns how many were closed. idle <= 0 uses
// the configured TTL.
func (m *Manager) Sweep(idle time.Duration) int {
	if idle <= 0 {
		idle = m.cfg.TTL
	}
	cutoff := m.now().Add(-idle)

	m.mu.Lock()
	var stale []*Session
	for id, s := range m.sessions {
		if s.conns.Load() == 0 && s.LastActive().Before(cutoff) {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.release(s)
	}
	return len(stale)
}

// StartSweeper runs Sweep every interval in a background goroutine until
// ctx is cancelled or [Manager.Stop] is called.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	go m.sweepLoop(ctx, interval)
}

// Stop halts the sweeper. Safe to call multiple times.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

func (m *Manager) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			if n := m.Sweep(0); n > 0 {
				m.log.Info("session: swept idle sessions", "closed", n)
			}
		}
	}
}

// Info returns the summary of one session.
func (m *Manager) Info(id string) (Info, error) {
	s, ok := m.Get(id)
	if !ok {
		return Info{}, fmt.Errorf("session: info %q: %w", id, ErrNotFound)
	}
	return s.Info(), nil
}

// List returns summaries of all sessions, oldest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(all))
	for _, s := range all {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll stops the sweeper and closes every session.
func (m *Manager) CloseAll() {
	m.Stop()
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range all {
		m.release(s)
	}
}
