package resilience

import (
	"context"
	"sync/atomic"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] that streams from the first backend of a
// [FallbackGroup] whose breaker admits the call.
type LLMFallback struct {
	group  *FallbackGroup[llm.Provider]
	served atomic.Pointer[string]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates a chain with primary tried first.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.Kind == "" {
		cfg.Kind = "llm"
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a backend to the chain.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// StreamCompletion fails over while opening the stream only. Once a backend
// has started replying, a later failure arrives as an [llm.FinishError]
// chunk: switching models mid-reply would garble the turn.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		ch, err := p.StreamCompletion(ctx, req)
		if err == nil {
			model := p.Model()
			f.served.Store(&model)
		}
		return ch, err
	})
}

// Model returns the model of the backend that opened the latest stream, or
// the primary's before any stream.
func (f *LLMFallback) Model() string {
	if m := f.served.Load(); m != nil {
		return *m
	}
	return f.group.Primary().Model()
}

// Healthy reports whether any backend would accept a call.
func (f *LLMFallback) Healthy() bool { return f.group.Healthy() }

// Status lists the backends with their breaker state.
func (f *LLMFallback) Status() []EntryStatus { return f.group.Status() }
