package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func fail() error    { return errTest }
func succeed() error { return nil }

// tripped returns a breaker opened by two failures, with a 10s reset timeout
// on clk.
func tripped(t *testing.T, clk *fakeClock, halfOpenMax int) *CircuitBreaker {
	t.Helper()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "gemini",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Second,
		HalfOpenMax:  halfOpenMax,
		Now:          clk.Now,
	})
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	return cb
}

// ─── Closed ──────────────────────────────────────────────────────────────────

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "coqui"})
	if cb.cfg.MaxFailures != 5 || cb.cfg.ResetTimeout != 30*time.Second || cb.cfg.HalfOpenMax != 3 {
		t.Errorf("defaults = %d/%v/%d, want 5/30s/3", cb.cfg.MaxFailures, cb.cfg.ResetTimeout, cb.cfg.HalfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
	if cb.Name() != "coqui" {
		t.Errorf("Name() = %q", cb.Name())
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Hour})
	for range 3 {
		if err := cb.Execute(fail); !errors.Is(err, errTest) {
			t.Fatalf("err = %v, want the call's own error", err)
		}
	}
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("err = %v called = %v, want rejection without a call", err, called)
	}
}

func TestCircuitBreaker_SuccessBreaksTheRun(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3})
	for _, fn := range []func() error{fail, fail, succeed, fail, fail} {
		_ = cb.Execute(fn)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed: the success reset the run", cb.State())
	}
}

func TestCircuitBreaker_CancellationIsNotAFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantOpen bool
	}{
		{"barge-in cancel", context.Canceled, false},
		{"wrapped cancel", fmt.Errorf("llm: stream: %w", context.Canceled), false},
		{"provider timeout", context.DeadlineExceeded, true},
		{"provider error", errTest, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
			for range 4 {
				_ = cb.Execute(func() error { return tt.err })
			}
			if got := cb.State() == StateOpen; got != tt.wantOpen {
				t.Errorf("open = %v, want %v", got, tt.wantOpen)
			}
		})
	}
}

// ─── Half-open ───────────────────────────────────────────────────────────────

func TestCircuitBreaker_OpenToHalfOpen(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	cb := tripped(t, clk, 2)

	clk.Advance(9 * time.Second)
	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("before timeout: err = %v, want ErrCircuitOpen", err)
	}
	clk.Advance(time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after timeout", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenToClosed(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	cb := tripped(t, clk, 2)
	clk.Advance(10 * time.Second)

	for i := range 2 {
		if err := cb.Execute(succeed); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probes", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenToOpen(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	cb := tripped(t, clk, 3)
	clk.Advance(10 * time.Second)

	if err := cb.Execute(fail); !errors.Is(err, errTest) {
		t.Fatalf("err = %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after a failed probe", cb.State())
	}
}

func TestCircuitBreaker_ProbeBudget(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	cb := tripped(t, clk, 1)
	clk.Advance(10 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe: err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_CancelledProbeReturnsSlot(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	cb := tripped(t, clk, 1)
	clk.Advance(10 * time.Second)

	_ = cb.Execute(func() error { return context.Canceled })
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("probe after cancelled probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

// ─── Observability ───────────────────────────────────────────────────────────

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	var (
		mu   sync.Mutex
		seen []string
	)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "polly",
		MaxFailures:  1,
		ResetTimeout: time.Second,
		HalfOpenMax:  1,
		Now:          clk.Now,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, name+":"+from.String()+">"+to.String())
		},
	})

	_ = cb.Execute(fail)
	clk.Advance(time.Second)
	_ = cb.Execute(succeed)
	cb.Reset()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"polly:closed>open", "polly:open>half-open", "polly:half-open>closed"}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", seen, want)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb := tripped(t, newFakeClock(), 3)
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
