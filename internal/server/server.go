// Package server exposes the engine over HTTP.
//
// The routes are:
//
//   - GET  /ws/audio          microphone PCM in, control messages both ways
//   - POST /api/stream_chat   one agent turn as an NDJSON event stream
//   - POST /api/v1/generate   direct synthesis, raw 16 kHz PCM
//   - POST /api/reset         clears a session
//   - GET  /api/sessions      lists live sessions
//   - POST /api/sessions      creates a session with a fresh ID
//   - GET  /api/sessions/{id} describes one session
//   - GET  /health            legacy liveness probe with version
//   - GET  /healthz, /readyz  probes from [health.Handler]
//   - GET  /metrics           Prometheus scrape endpoint
//
// Requests without a session ID use the default session, so a single browser
// tab that never sends an ID shares one conversation between its audio socket
// and its chat requests.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/ttspool"
)

const (
	// DefaultInterruptCooldown is the minimum gap between two barge-ins
	// raised from one audio socket.
	DefaultInterruptCooldown = 600 * time.Millisecond

	// DefaultCommitCooldown is the minimum gap between two commits.
	DefaultCommitCooldown = 1200 * time.Millisecond

	// DefaultSessionID names the session used when a request carries none.
	DefaultSessionID = "default"

	// DefaultVersion is reported by /health.
	DefaultVersion = "4.0.0"

	// SessionHeader carries the session ID on HTTP requests.
	SessionHeader = "X-Session-ID"

	maxBodyBytes = 64 << 10
	maxFrameSize = 1 << 20
	writeTimeout = 5 * time.Second
)

// Option is a functional option for [New].
type Option func(*Server)

// WithPools sets the synthesis pools used by /api/v1/generate.
func WithPools(p *ttspool.Set) Option {
	return func(s *Server) { s.pools = p }
}

// WithHealth mounts /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithClock overrides the time source used for cooldowns.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithCooldowns overrides [DefaultInterruptCooldown] and
// [DefaultCommitCooldown]. Non-positive values keep the defaults.
func WithCooldowns(interrupt, commit time.Duration) Option {
	return func(s *Server) {
		if interrupt > 0 {
			s.interruptCooldown = interrupt
		}
		if commit > 0 {
			s.commitCooldown = commit
		}
	}
}

// WithInlineAudio makes audio_text records carry the phrase PCM, base64
// encoded, in an "audio" field.
func WithInlineAudio(enabled bool) Option {
	return func(s *Server) { s.inlineAudio = enabled }
}

// WithDefaultSession replaces [DefaultSessionID].
func WithDefaultSession(id string) Option {
	return func(s *Server) {
		if id != "" {
			s.defaultSession = id
		}
	}
}

// WithVersion replaces [DefaultVersion].
func WithVersion(v string) Option {
	return func(s *Server) {
		if v != "" {
			s.version = v
		}
	}
}

// WithStaticDir serves the browser client from dir at /.
func WithStaticDir(dir string) Option {
	return func(s *Server) { s.staticDir = dir }
}

// WithOriginPatterns sets the origins allowed to open the audio socket. The
// default accepts any origin.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// Server holds the HTTP handlers. It is safe for concurrent use.
type Server struct {
	sessions *session.Manager
	pools    *ttspool.Set
	health   *health.Handler
	metrics  *observe.Metrics
	log      *slog.Logger
	now      func() time.Time
	control  *jsonschema.Schema

	interruptCooldown time.Duration
	commitCooldown    time.Duration
	inlineAudio       bool
	defaultSession    string
	version           string
	staticDir         string
	origins           []string
}

// New creates a Server backed by sessions.
func New(sessions *session.Manager, opts ...Option) (*Server, error) {
	if sessions == nil {
		return nil, fmt.Errorf("server: session manager must not be nil")
	}
	control, err := compileControlSchema()
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	s := &Server{
		sessions:          sessions,
		log:               slog.Default(),
		now:               time.Now,
		control:           control,
		interruptCooldown: DefaultInterruptCooldown,
		commitCooldown:    DefaultCommitCooldown,
		defaultSession:    DefaultSessionID,
		version:           DefaultVersion,
		origins:           []string{"*"},
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// Handler returns the routed handler wrapped in CORS and observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws/audio", s.handleAudio)

	mux.HandleFunc("POST /api/stream_chat", s.handleStreamChat)
	mux.HandleFunc("POST /api/v1/generate", s.handleGenerate)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)

	mux.HandleFunc("GET /health", s.handleLegacyHealth)
	if s.health != nil {
		s.health.Register(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	if s.staticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(s.staticDir)))
	}

	return corsMiddleware(observe.Middleware(s.metrics)(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// sessionID picks the session named by the request, falling back to the
// default session.
func (s *Server) sessionID(r *http.Request, fromBody string) string {
	if id := r.Header.Get(SessionHeader); id != "" {
		return id
	}
	if fromBody != "" {
		return fromBody
	}
	if id := r.URL.Query().Get("session"); id != "" {
		return id
	}
	return s.defaultSession
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("server: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decodeBody reads a JSON request body into v. An empty body leaves v
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
