package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/parley/pkg/types"
)

// KnownProviders are the built-in backend names per provider kind. A name
// outside this list only draws a warning, since a build may register more.
var KnownProviders = map[string][]string{
	"llm": {"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"coqui", "elevenlabs", "polly"},
	"vad": {"silero", "energy"},
}

// Load opens the YAML file at path and hands it to [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML strictly (unknown keys are errors), fills in
// defaults and validates.
func LoadFromReader(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// problems collects validation failures.
type problems []error

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Errorf(format, args...))
}

// Validate reports every invalid value of cfg in one joined error. Unknown
// provider names and missing providers are logged, not rejected.
func Validate(cfg *Config) error {
	var p problems
	p.server(cfg.Server)
	p.languages(cfg.Languages)
	p.vad(cfg.VAD)
	p.timing(cfg)
	if cfg.History.Capacity < 0 {
		p.addf("history.capacity must not be negative")
	}

	warnProviders("llm", "providers.llm", cfg.Providers.LLM)
	warnProviders("tts", "providers.tts", cfg.Providers.TTS)
	warnProviders("vad", "providers.vad", cfg.Providers.VAD)
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("config: no llm provider; turns cannot generate replies")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("config: no tts provider; replies are sent as text only")
	}
	return errors.Join(p...)
}

func (p *problems) server(s ServerConfig) {
	if s.LogLevel != "" && !s.LogLevel.IsValid() {
		p.addf("server.log_level %q is invalid; valid values: debug, info, warn, error", s.LogLevel)
	}
	if s.SessionIdleTTL < 0 {
		p.addf("server.session_idle_ttl must not be negative")
	}
	if s.TLS != nil && (s.TLS.CertFile == "" || s.TLS.KeyFile == "") {
		p.addf("server.tls needs both cert_file and key_file")
	}
}

func (p *problems) languages(langs []LanguageConfig) {
	first := make(map[types.Language]int, len(langs))
	for i, l := range langs {
		at := fmt.Sprintf("languages[%d]", i)
		switch prev, dup := first[l.Code]; {
		case !l.Code.IsSupported():
			p.addf("%s.code %q is invalid; valid values: en, hi, mr", at, l.Code)
		case dup:
			p.addf("%s.code %q is a duplicate of languages[%d]", at, l.Code, prev)
		default:
			first[l.Code] = i
		}
		if l.Workers < 0 {
			p.addf("%s.workers must not be negative", at)
		}
		if l.CommitFrames < 0 {
			p.addf("%s.commit_frames must not be negative", at)
		}
		if sf := l.Voice.SpeedFactor; sf != 0 && (sf < 0.5 || sf > 2) {
			p.addf("%s.voice.speed_factor %.2f is out of range [0.5, 2.0]", at, sf)
		}
		if l.TTS != nil {
			warnProviders("tts", at+".tts", *l.TTS)
		}
	}
}

func (p *problems) vad(v VADConfig) {
	for _, c := range []float64{v.NormalConfidence, v.StrictConfidence} {
		if c < 0 || c > 1 {
			p.addf("vad confidences must be within [0, 1]")
			break
		}
	}
	if slices.ContainsFunc([]int{v.SampleRate, v.WindowSamples, v.ScoreCap, v.NormalTrigger, v.StrictTrigger, v.DefaultCommitFrames},
		func(n int) bool { return n < 0 }) {
		p.addf("vad sizes and counters must not be negative")
	}
}

func (p *problems) timing(cfg *Config) {
	t := cfg.Turn
	if t.Temperature != nil && (*t.Temperature < 0 || *t.Temperature > 2) {
		p.addf("turn.temperature %.2f is out of range [0, 2]", *t.Temperature)
	}
	if t.FirstPhraseMin < 0 || t.PhraseMin < 0 || t.MaxTokens < 0 {
		p.addf("turn lengths must not be negative")
	}
	durations := []struct {
		key string
		d   time.Duration
	}{
		{"turn.poll_interval", t.PollInterval},
		{"turn.reorder_wait", t.ReorderWait},
		{"turn.start_immunity", t.StartImmunity},
		{"turn.first_audio_immunity", t.FirstAudioImmunity},
		{"interrupt.immunity", cfg.Interrupt.Immunity},
		{"interrupt.interrupt_cooldown", cfg.Interrupt.InterruptCooldown},
		{"interrupt.commit_cooldown", cfg.Interrupt.CommitCooldown},
	}
	for _, d := range durations {
		if d.d < 0 {
			p.addf("%s must not be negative", d.key)
		}
	}
}

// warnProviders logs unknown backend names on entry and its fallbacks.
func warnProviders(kind, at string, entry ProviderEntry) {
	known := KnownProviders[kind]
	check := func(at, name string) {
		if name != "" && !slices.Contains(known, name) {
			slog.Warn("config: unknown provider; typo or out-of-tree backend?", "at", at, "kind", kind, "name", name, "known", known)
		}
	}
	check(at, entry.Name)
	for i, fb := range entry.Fallbacks {
		fat := fmt.Sprintf("%s.fallbacks[%d]", at, i)
		if fb.Name == "" {
			slog.Warn("config: fallback has no name and is skipped", "at", fat)
			continue
		}
		check(fat, fb.Name)
	}
}
