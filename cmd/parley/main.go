// Command parley is the main entry point for the parley voice engine server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/parley/pkg/provider/llm/openai"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/tts/coqui"
	"github.com/MrWong99/parley/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/parley/pkg/provider/tts/polly"
	"github.com/MrWong99/parley/pkg/provider/vad"
	"github.com/MrWong99/parley/pkg/provider/vad/energy"
	"github.com/MrWong99/parley/pkg/provider/vad/silero"
	"github.com/MrWong99/parley/pkg/types"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "4.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("parley", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_ *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.RestartRequired() {
			slog.Warn("config changed; restart to apply",
				"languages", d.LanguagesChanged,
				"providers", d.ProvidersChanged,
				"turn", d.TurnChanged,
				"vad", d.VADChanged,
				"history", d.HistoryChanged,
				"server", d.ServerChanged,
			)
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLogger(logger), app.WithVersion(version))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// Every any-llm-go backend takes an optional key and base URL; local
	// servers (ollama, llamacpp, llamafile) simply leave the key empty.
	for _, name := range anyllm.Backends() {
		if name == "openai" {
			continue
		}
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// openai talks to the API directly so organisation and timeout can be set.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oallm.WithTimeout(d))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("polly", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []polly.Option
		if region := optString(entry.Options, "region"); region != "" {
			opts = append(opts, polly.WithRegion(region))
		}
		if engine := optString(entry.Options, "engine"); engine != "" {
			opts = append(opts, polly.WithEngine(engine))
		}
		return polly.New(opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if v, ok := entry.Options["min_rms"].(float64); ok {
			opts = append(opts, energy.WithMinRMS(v))
		}
		return energy.New(opts...), nil
	})

	reg.RegisterVAD("silero", func(entry config.ProviderEntry) (vad.Engine, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		return silero.New(modelPath)
	})

	for _, kind := range []string{"llm", "tts", "vad"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Registered(kind))
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
// Entries with fallbacks are wrapped in circuit-breaking failover groups.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{
		LanguageTTS: make(map[types.Language]tts.Provider),
		Names:       make(map[string]string),
	}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := buildLLM(cfg.Providers.LLM, reg)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		ps.LLM = p
		ps.Names["llm"] = name
		slog.Info("provider created", "kind", "llm", "name", name, "fallbacks", len(cfg.Providers.LLM.Fallbacks))
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := buildTTS(cfg.Providers.TTS, reg)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		}
		ps.TTS = p
		ps.Names["tts"] = name
		slog.Info("provider created", "kind", "tts", "name", name, "fallbacks", len(cfg.Providers.TTS.Fallbacks))
	}

	for _, lc := range cfg.Languages {
		if lc.TTS == nil || lc.TTS.Name == "" {
			continue
		}
		p, err := buildTTS(*lc.TTS, reg)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q for %s: %w", lc.TTS.Name, lc.Code, err)
		}
		ps.LanguageTTS[lc.Code] = p
		ps.Names["tts."+string(lc.Code)] = lc.TTS.Name
		slog.Info("provider created", "kind", "tts", "name", lc.TTS.Name, "lang", lc.Code)
	}

	vadEntry := cfg.Providers.VAD
	if vadEntry.Name == "" {
		vadEntry.Name = "energy"
	}
	engine, err := reg.CreateVAD(vadEntry)
	if err != nil && vadEntry.Name != "energy" {
		slog.Warn("vad engine unavailable, falling back to energy", "name", vadEntry.Name, "err", err)
		engine, err = reg.CreateVAD(config.ProviderEntry{Name: "energy"})
	}
	if err != nil {
		return nil, fmt.Errorf("create vad engine %q: %w", vadEntry.Name, err)
	}
	ps.VAD = engine
	ps.Names["vad"] = vadEntry.Name
	slog.Info("provider created", "kind", "vad", "name", vadEntry.Name)

	return ps, nil
}

func buildLLM(entry config.ProviderEntry, reg *config.Registry) (llm.Provider, error) {
	return withFallbacks[llm.Provider]("llm", entry, reg.CreateLLM, func(p llm.Provider) (llm.Provider, func(string, llm.Provider)) {
		fb := resilience.NewLLMFallback(p, entry.Name, fallbackConfig())
		return fb, fb.AddFallback
	})
}

func buildTTS(entry config.ProviderEntry, reg *config.Registry) (tts.Provider, error) {
	return withFallbacks[tts.Provider]("tts", entry, reg.CreateTTS, func(p tts.Provider) (tts.Provider, func(string, tts.Provider)) {
		fb := resilience.NewTTSFallback(p, entry.Name, fallbackConfig())
		return fb, fb.AddFallback
	})
}

// withFallbacks creates entry's provider and, when the entry lists
// fallbacks, chains them behind it with wrap. A fallback that fails to
// build is skipped with a warning; only the primary is required.
func withFallbacks[T any](kind string, entry config.ProviderEntry, create config.Factory[T], wrap func(T) (T, func(string, T))) (T, error) {
	primary, err := create(entry)
	if err != nil || len(entry.Fallbacks) == 0 {
		return primary, err
	}
	chained, add := wrap(primary)
	for _, fe := range entry.Fallbacks {
		if fe.Name == "" {
			continue
		}
		p, err := create(fe)
		if err != nil {
			slog.Warn("skipping fallback", "kind", kind, "name", fe.Name, "err", err)
			continue
		}
		add(fe.Name, p)
	}
	return chained, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         parley · startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	langs := make([]string, 0, len(cfg.Languages))
	for _, lc := range cfg.Languages {
		langs = append(langs, fmt.Sprintf("%s×%d", lc.Code, max(lc.Workers, 1)))
	}
	fmt.Printf("║  Languages       : %-19s ║\n", truncate(strings.Join(langs, " ")))
	if cfg.History.PostgresDSN != "" {
		fmt.Printf("║  History         : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  History         : %-19s ║\n", "(in memory)")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, truncate(value))
}

func truncate(s string) string {
	if r := []rune(s); len(r) > 19 {
		return string(r[:18]) + "…"
	}
	return s
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// fallbackConfig is the breaker template for provider fallback chains.
func fallbackConfig() resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
			HalfOpenMax:  1,
		},
		Metrics: observe.DefaultMetrics(),
	}
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optDuration parses a duration string such as "30s" from Options.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
