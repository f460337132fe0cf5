// Package health serves the Kubernetes-style probes of the engine.
//
// GET /healthz answers 200 as long as the process can serve HTTP. GET /readyz
// runs every registered [Checker] concurrently and answers 503 when any of
// them fails, so a load balancer stops routing new sessions to an engine
// whose providers or history store are down.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single check when [WithTimeout] is not given.
const DefaultTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil when it is usable.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// report is the JSON body of both probes. Checks maps a checker name to "ok"
// or "fail: <reason>".
type report struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	ElapsedMS int64             `json:"elapsed_ms,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
	now      func() time.Time
}

// Option configures a [Handler].
type Option func(*Handler)

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// New returns a handler that evaluates checkers on each /readyz request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  DefaultTimeout,
		now:      time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz answers 200 only when every checker passes within the timeout.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	start := h.now()
	results := h.run(r.Context())

	rep := report{Status: "ok", Checks: make(map[string]string, len(results))}
	code := http.StatusOK
	for i, err := range results {
		name := h.checkers[i].Name
		if err != nil {
			rep.Checks[name] = "fail: " + err.Error()
			rep.Status = "fail"
			code = http.StatusServiceUnavailable
			continue
		}
		rep.Checks[name] = "ok"
	}
	rep.ElapsedMS = h.now().Sub(start).Milliseconds()
	writeJSON(w, code, rep)
}

// run evaluates all checkers in parallel. results[i] belongs to checkers[i].
func (h *Handler) run(ctx context.Context) []error {
	results := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			results[i] = c.Check(cctx)
			if results[i] == nil && cctx.Err() != nil {
				results[i] = cctx.Err()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
