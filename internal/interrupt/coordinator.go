// Package interrupt arbitrates barge-in between a speaking agent and a
// speaking user.
//
// A [Coordinator] converts validated speech signals from the voice activity
// detector into a cooperative cancellation directive for the response
// pipeline. It enforces an immunity window at the start of every agent turn so
// that echo of the previous turn's audio cannot cancel the new one, and it
// raises at most one barge-in per speech episode.
//
// The cancellation directive is exposed two ways: [Coordinator.Cancelled] is an
// atomically readable flag for polling at safe points, and [Coordinator.Done]
// returns a channel closed on the barge-in for select-based waiting.
package interrupt

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultImmunity is the self-trigger guard armed by OnTurnStart.
const DefaultImmunity = 600 * time.Millisecond

// Option is a functional option for [New].
type Option func(*Coordinator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithImmunity sets the window armed by OnTurnStart.
func WithImmunity(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.immunity = d
		}
	}
}

// WithLogger sets the logger for barge-in transitions.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// Coordinator holds the interrupt state for one conversation. It is safe for
// concurrent use.
type Coordinator struct {
	now      func() time.Time
	immunity time.Duration
	log      *slog.Logger

	cancelled atomic.Bool

	mu          sync.Mutex
	userActive  bool
	immuneUntil time.Time
	done        chan struct{}
}

// New creates a Coordinator in the idle state.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		now:      time.Now,
		immunity: DefaultImmunity,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// OnUserSpeech reports a validated speech signal. It returns true only when
// this call establishes a new barge-in; the caller should then tell the
// client to stop playback. Calls inside the immunity window, or while a
// barge-in is already active, return false and change nothing.
func (c *Coordinator) OnUserSpeech() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.now().Before(c.immuneUntil) {
		return false
	}
	if c.userActive {
		return false
	}
	c.userActive = true
	c.cancelled.Store(true)
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.log.Info("interrupt: user barge-in")
	return true
}

// OnSilence ends the current speech episode. The cancellation flag is left
// untouched; only OnTurnStart clears it.
func (c *Coordinator) OnSilence() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userActive = false
}

// OnTurnStart must be called once at the start of every agent turn, before
// generation begins. It clears the cancellation flag and arms the immunity
// window.
func (c *Coordinator) OnTurnStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled.Store(false)
	c.immuneUntil = c.now().Add(c.immunity)
	c.rearm()
}

// Cancelled reports whether a barge-in has cancelled the current turn.
func (c *Coordinator) Cancelled() bool {
	return c.cancelled.Load()
}

// Done returns a channel that is closed when the current turn is cancelled.
// The channel is replaced by OnTurnStart and Reset, so callers should fetch it
// once per turn after OnTurnStart.
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// UserActive reports whether the user is mid-barge-in.
func (c *Coordinator) UserActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userActive
}

// Immune reports whether the immunity window is open.
func (c *Coordinator) Immune() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Before(c.immuneUntil)
}

// Reset returns the coordinator to its initial idle state, dropping any
// active immunity window.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled.Store(false)
	c.userActive = false
	c.immuneUntil = time.Time{}
	c.rearm()
}

// rearm replaces a closed done channel. Must be called with c.mu held.
func (c *Coordinator) rearm() {
	select {
	case <-c.done:
		c.done = make(chan struct{})
	default:
	}
}
