package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/parley/internal/observe"
)

// ErrAllFailed is returned when no entry of a [FallbackGroup] produced a
// result, either because it failed or because its breaker was open.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig is the breaker template applied to every entry of a
// [FallbackGroup]. Its Name is replaced by the entry name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// Kind is the provider kind ("llm", "tts") used as a metric attribute.
	Kind string

	// Metrics, if set, receives a request count per attempt and a count per
	// breaker transition.
	Metrics *observe.Metrics
}

type fallbackEntry[T any] struct {
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and ordered fallbacks of one provider kind.
// Entries are registered during setup; calls may then run concurrently.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// EntryStatus is the breaker state of one group entry.
type EntryStatus struct {
	Name  string
	State State
}

// NewFallbackGroup creates a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry, tried after every entry added before it.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	if m := fg.cfg.Metrics; m != nil && cbCfg.OnStateChange == nil {
		cbCfg.OnStateChange = func(name string, _, to State) {
			m.RecordCircuitTransition(context.Background(), name, to.String())
		}
	}
	fg.entries = append(fg.entries, fallbackEntry[T]{value: fallback, breaker: NewCircuitBreaker(cbCfg)})
}

// Primary returns the first entry.
func (fg *FallbackGroup[T]) Primary() T { return fg.entries[0].value }

// Status lists every entry with its breaker state, in call order.
func (fg *FallbackGroup[T]) Status() []EntryStatus {
	out := make([]EntryStatus, len(fg.entries))
	for i, e := range fg.entries {
		out[i] = EntryStatus{Name: e.breaker.Name(), State: e.breaker.State()}
	}
	return out
}

// Healthy reports whether at least one entry would accept a call.
func (fg *FallbackGroup[T]) Healthy() bool {
	for _, e := range fg.entries {
		if e.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// Execute runs fn against the entries in order until one succeeds.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult runs fn against the entries of fg in order and returns
// the first successful result. Entries with an open breaker are skipped. A
// cancellation stops the walk and is returned as is, since the next entry
// would see the same cancelled context.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.entries {
		e := &fg.entries[i]
		var res R
		err := e.breaker.Execute(func() error {
			var callErr error
			res, callErr = fn(e.value)
			return callErr
		})
		fg.record(e.breaker.Name(), err)
		switch {
		case err == nil:
			if i > 0 {
				slog.Debug("resilience: served by fallback", "provider", e.breaker.Name(), "position", i)
			}
			return res, nil
		case isCancellation(err):
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("resilience: skipping provider, circuit open", "provider", e.breaker.Name())
		default:
			slog.Warn("resilience: provider failed", "provider", e.breaker.Name(), "err", err)
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

func (fg *FallbackGroup[T]) record(name string, err error) {
	m := fg.cfg.Metrics
	if m == nil {
		return
	}
	status := "ok"
	switch {
	case err == nil:
	case isCancellation(err):
		status = "cancelled"
	case errors.Is(err, ErrCircuitOpen):
		status = "circuit_open"
	default:
		status = "error"
		m.RecordProviderError(context.Background(), name, fg.cfg.Kind)
	}
	m.RecordProviderRequest(context.Background(), name, fg.cfg.Kind, status)
}
