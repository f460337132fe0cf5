// Package resilience guards the remote providers a turn depends on.
//
// [CircuitBreaker] stops calling a provider that keeps failing and probes it
// again after a cool-off. [FallbackGroup] chains a primary with fallbacks,
// each behind its own breaker, and [LLMFallback] and [TTSFallback] expose
// such a chain as a regular provider.
//
// A barge-in cancels the turn context while provider calls are in flight.
// Those cancellations are not provider faults: they neither trip a breaker
// nor move a call on to the next fallback.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until ResetTimeout has
	// passed since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probe calls through. Any probe
	// failure re-opens the breaker; HalfOpenMax successes close it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values take defaults.
type CircuitBreakerConfig struct {
	// Name labels log records and state-change callbacks, usually the
	// provider name from config.
	Name string

	// MaxFailures is the run of consecutive failures that opens the breaker.
	// Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget of the half-open state. Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition with the lock
	// released.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time

	// Logger receives transition records. Default: slog.Default().
	Logger *slog.Logger
}

// CircuitBreaker is a three-state breaker around one provider.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probes      int
	probeWins   int
	transitions []transition
}

type transition struct{ from, to State }

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CircuitBreaker{cfg: cfg}
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn unless the breaker rejects the call with [ErrCircuitOpen].
// A context cancellation returned by fn is passed through without being
// counted against the provider.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

// admit decides whether a call may proceed and whether it is a probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.flush()

	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		cb.moveTo(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.probes++
		return true, nil
	}
	return false, nil
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	defer cb.flush()

	switch {
	case isCancellation(err):
		if probe {
			// Hand the probe slot back; nothing was learned.
			cb.probes--
		}
	case err != nil:
		cb.openedAt = cb.cfg.Now()
		if probe {
			cb.moveTo(StateOpen)
			return
		}
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			cb.moveTo(StateOpen)
		}
	case probe:
		cb.probeWins++
		if cb.probeWins >= cb.cfg.HalfOpenMax {
			cb.moveTo(StateClosed)
		}
	default:
		cb.failures = 0
	}
}

// moveTo changes state and queues the transition for flush. Must be called
// with cb.mu held.
func (cb *CircuitBreaker) moveTo(to State) {
	if cb.state == to {
		return
	}
	cb.transitions = append(cb.transitions, transition{cb.state, to})
	cb.state = to
	cb.probes, cb.probeWins = 0, 0
	if to == StateClosed {
		cb.failures = 0
	}
}

// flush releases cb.mu and reports queued transitions outside the lock.
func (cb *CircuitBreaker) flush() {
	pending := cb.transitions
	cb.transitions = nil
	failures := cb.failures
	cb.mu.Unlock()

	for _, t := range pending {
		level := slog.LevelInfo
		if t.to == StateOpen {
			level = slog.LevelWarn
		}
		cb.cfg.Logger.Log(context.Background(), level, "resilience: circuit "+t.to.String(),
			"provider", cb.cfg.Name,
			"from", t.from.String(),
			"consecutive_failures", failures,
		)
		if cb.cfg.OnStateChange != nil {
			cb.cfg.OnStateChange(cb.cfg.Name, t.from, t.to)
		}
	}
}

// State returns the current state. An open breaker whose timeout has passed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.flush()
	cb.moveTo(StateClosed)
	cb.failures = 0
}

// isCancellation reports a caller-side cancel. Deadlines still count: a
// provider that runs past its synthesis timeout is at fault.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
