package resilience

import (
	"context"

	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

// TTSFallback is a [tts.Provider] backed by a [FallbackGroup] of
// synthesizers. One is built per distinct provider entry and shared by the
// language pools that use it.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	if cfg.Kind == "" {
		cfg.Kind = "tts"
	}
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers the next backend to try.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize renders one phrase on the first healthy backend. Failover
// covers starting the synthesis only; a backend that fails part way closes
// its channel early and the phrase is delivered truncated.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (<-chan []byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (<-chan []byte, error) {
		return p.Synthesize(ctx, text, voice)
	})
}

// ListVoices returns the voices of the first healthy backend.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// Healthy reports whether any backend would accept a call.
func (f *TTSFallback) Healthy() bool { return f.group.Healthy() }

// Status lists the backends with their breaker state.
func (f *TTSFallback) Status() []EntryStatus { return f.group.Status() }
