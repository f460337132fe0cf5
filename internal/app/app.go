// Package app wires all parley subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithHistoryStore,
// WithListener, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/history/postgres"
	"github.com/MrWong99/parley/internal/interrupt"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/server"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/ttspool"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/internal/vad"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/tts"
	vadengine "github.com/MrWong99/parley/pkg/provider/vad"
	"github.com/MrWong99/parley/pkg/types"
)

// sweepInterval is how often idle sessions are looked for.
const sweepInterval = time.Minute

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM llm.Provider
	VAD vadengine.Engine

	// TTS is the default synthesis provider.
	TTS tts.Provider

	// LanguageTTS overrides TTS for individual languages.
	LanguageTTS map[types.Language]tts.Provider

	// Names label the providers in logs and metrics, keyed by slot.
	Names map[string]string
}

// ttsFor returns the synthesis provider for lang.
func (p *Providers) ttsFor(lang types.Language) tts.Provider {
	if t, ok := p.LanguageTTS[lang]; ok && t != nil {
		return t
	}
	return p.TTS
}

// App owns all subsystem lifetimes and runs the parley voice engine.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	metrics   *observe.Metrics
	version   string

	// Subsystems, initialised in New and torn down in Shutdown.
	store    history.Store
	guard    *session.StoreGuard
	pools    *ttspool.Set
	sessions *session.Manager
	health   *health.Handler
	server   *server.Server
	httpSrv  *http.Server
	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryStore injects a durable history store instead of connecting to
// history.postgres_dsn.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithLogger sets the application logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithListener makes Run serve on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: history store connection and
// migration, synthesis pool start-up, session manager and HTTP server
// construction.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	if providers.VAD == nil {
		return nil, errors.New("app: a VAD engine is required")
	}

	// ── 1. History store ─────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 2. Synthesis pools ───────────────────────────────────────────────
	if err := a.initPools(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init pools: %w", err)
	}

	// ── 3. Sessions ──────────────────────────────────────────────────────
	if err := a.initSessions(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}

	// ── 4. Health + HTTP server ──────────────────────────────────────────
	a.health = health.New(a.readinessCheckers())
	if err := a.initServer(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initHistory connects the durable history store, if one is configured, and
// wraps it in a [session.StoreGuard].
func (a *App) initHistory(ctx context.Context) error {
	if a.store == nil {
		dsn := a.cfg.History.PostgresDSN
		if dsn == "" {
			a.log.Info("history kept in memory only")
			return nil
		}
		store, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		a.log.Info("history persisted to postgres")
	}
	a.guard = session.NewStoreGuard(a.store)
	return nil
}

// initPools starts one synthesis pool per configured language that has a TTS
// provider.
func (a *App) initPools() error {
	var members []ttspool.Member
	for _, lc := range a.cfg.Languages {
		synth := a.providers.ttsFor(lc.Code)
		if synth == nil {
			a.log.Warn("no TTS provider for language; phrases will be text only", "lang", lc.Code)
			continue
		}
		voice := configVoiceProfile(lc, a.providerName("tts."+string(lc.Code), "tts"))
		pool := ttspool.New(synth, voice,
			ttspool.WithLogger(a.log.With("lang", lc.Code)),
			ttspool.WithMetrics(a.metrics),
		)
		members = append(members, ttspool.Member{Pool: pool, Concurrency: lc.Workers})
		a.log.Info("synthesis pool configured", "lang", lc.Code, "workers", lc.Workers, "voice", voice.ID)
	}

	set, err := ttspool.NewSet(members...)
	if err != nil {
		return err
	}
	a.pools = set
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return set.ShutdownAll(ctx)
	})
	return nil
}

// initSessions builds the session manager from the detector, turn and
// interrupt sections of the config.
func (a *App) initSessions() error {
	var store history.Store
	if a.guard != nil {
		store = a.guard
	}

	mgr, err := session.NewManager(session.Config{
		VAD:             a.providers.VAD,
		Detector:        detectorConfig(a.cfg),
		LLM:             a.providers.LLM,
		Pools:           a.pools,
		Store:           store,
		HistoryCapacity: a.cfg.History.Capacity,
		TTL:             a.cfg.Server.SessionIdleTTL,
		Interrupt:       []interrupt.Option{interrupt.WithImmunity(a.cfg.Interrupt.Immunity)},
		Turn:            turnOptions(a.cfg.Turn),
	},
		session.WithLogger(a.log),
		session.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.sessions = mgr
	return nil
}

// initServer creates the HTTP handlers and the http.Server that serves them.
func (a *App) initServer() error {
	sc := a.cfg.Server
	opts := []server.Option{
		server.WithPools(a.pools),
		server.WithHealth(a.health),
		server.WithMetrics(a.metrics),
		server.WithLogger(a.log),
		server.WithCooldowns(a.cfg.Interrupt.InterruptCooldown, a.cfg.Interrupt.CommitCooldown),
		server.WithInlineAudio(sc.InlineAudio),
		server.WithDefaultSession(sc.DefaultSession),
		server.WithVersion(a.version),
		server.WithStaticDir(sc.StaticDir),
	}
	if len(sc.AllowedOrigins) > 0 {
		opts = append(opts, server.WithOriginPatterns(sc.AllowedOrigins...))
	}

	srv, err := server.New(a.sessions, opts...)
	if err != nil {
		return err
	}
	a.server = srv
	a.httpSrv = &http.Server{
		Addr:              sc.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}
	return nil
}

// healthReporter is implemented by provider fallback chains.
type healthReporter interface{ Healthy() bool }

// readinessCheckers reports whether the engine can serve a turn.
func (a *App) readinessCheckers() []health.Checker {
	checkers := []health.Checker{
		{
			Name: "providers",
			Check: func(context.Context) error {
				if a.providers.LLM == nil || a.providers.VAD == nil {
					return errors.New("LLM or VAD provider missing")
				}
				if h, ok := a.providers.LLM.(healthReporter); ok && !h.Healthy() {
					return errors.New("every LLM circuit is open")
				}
				return nil
			},
		},
		{
			Name: "tts_pools",
			Check: func(context.Context) error {
				if len(a.pools.Languages()) == 0 {
					return errors.New("no synthesis pools running")
				}
				return nil
			},
		},
	}
	if a.guard != nil {
		checkers = append(checkers, health.Checker{
			Name: "history",
			Check: func(ctx context.Context) error {
				if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
					if err := p.Ping(ctx); err != nil {
						return err
					}
				}
				if a.guard.IsDegraded() {
					return errors.New("history store degraded")
				}
				return nil
			},
		})
	}
	return checkers
}

// providerName returns the configured name for slot, falling back to the
// name of fallback.
func (a *App) providerName(slot, fallback string) string {
	if n := a.providers.Names[slot]; n != "" {
		return n
	}
	return a.providers.Names[fallback]
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Handler returns the application's HTTP handler.
func (a *App) Handler() http.Handler {
	return a.httpSrv.Handler
}

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager {
	return a.sessions
}

// Run serves HTTP and sweeps idle sessions until ctx is cancelled. It returns
// ctx.Err() on cancellation or the server error if serving fails.
func (a *App) Run(ctx context.Context) error {
	a.sessions.StartSweeper(ctx, sweepInterval)

	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.httpSrv.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.httpSrv.Addr, err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.Serve(ln)
		}
		errCh <- err
	}()

	a.log.Info("app running",
		"addr", ln.Addr().String(),
		"languages", a.pools.Languages(),
		"tls", a.cfg.Server.TLS != nil,
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		// Stop accepting requests first. Hijacked audio sockets are not
		// tracked by http.Server; closing the sessions below ends them.
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown error", "err", err)
		}

		a.sessions.CloseAll()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// configVoiceProfile converts a language config to the voice its pool uses.
func configVoiceProfile(lc config.LanguageConfig, provider string) types.VoiceProfile {
	speed := lc.Voice.SpeedFactor
	if speed == 0 {
		speed = 1.0
	}
	return types.VoiceProfile{
		ID:          lc.Voice.VoiceID,
		Name:        lc.Voice.Name,
		Provider:    provider,
		Language:    lc.Code,
		SpeedFactor: speed,
	}
}

// detectorConfig maps the vad section, plus per-language commit frames, onto
// the detector's config. Zero values are filled in by vad.New.
func detectorConfig(cfg *config.Config) vad.Config {
	v := cfg.VAD
	dc := vad.Config{
		CommitFrames:        maps.Clone(vad.DefaultConfig().CommitFrames),
		SampleRate:          v.SampleRate,
		WindowSamples:       v.WindowSamples,
		CalibrationWindows:  v.CalibrationWindows,
		CalibrationFactor:   v.CalibrationFactor,
		MinNoiseFloor:       v.MinNoiseFloor,
		NormalGate:          v.NormalGate,
		StrictGateFactor:    v.StrictGateFactor,
		NormalConfidence:    v.NormalConfidence,
		StrictConfidence:    v.StrictConfidence,
		LoudOverride:        v.LoudOverride,
		ScoreCap:            v.ScoreCap,
		NormalTrigger:       v.NormalTrigger,
		StrictTrigger:       v.StrictTrigger,
		DefaultCommitFrames: v.DefaultCommitFrames,
		DefaultImmunity:     v.Immunity,
	}
	for _, lc := range cfg.Languages {
		if lc.CommitFrames > 0 {
			dc.CommitFrames[lc.Code] = lc.CommitFrames
		}
	}
	return dc
}

// turnOptions maps the turn section onto orchestrator options.
func turnOptions(tc config.TurnConfig) []turn.Option {
	opts := []turn.Option{
		turn.WithTiming(tc.PollInterval, tc.ReorderWait),
		turn.WithPhraseLengths(tc.FirstPhraseMin, tc.PhraseMin),
		turn.WithImmunity(tc.StartImmunity, tc.FirstAudioImmunity),
	}
	if tc.Persona != "" {
		opts = append(opts, turn.WithPersona(tc.Persona))
	}
	if tc.Temperature != nil {
		opts = append(opts, turn.WithTemperature(*tc.Temperature))
	}
	if tc.MaxTokens > 0 {
		opts = append(opts, turn.WithMaxTokens(tc.MaxTokens))
	}
	return opts
}
