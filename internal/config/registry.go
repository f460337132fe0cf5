package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// ErrProviderNotRegistered means a [ProviderEntry] names a backend no
// factory was registered for.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds one provider of type T from its config entry.
type Factory[T any] func(ProviderEntry) (T, error)

// factories is the name index of one provider kind.
type factories[T any] struct {
	kind   string
	byName map[string]Factory[T]
}

// create looks the factory up under the read lock and calls it with the
// lock released, so a slow constructor does not block registration.
func create[T any](mu *sync.RWMutex, f *factories[T], entry ProviderEntry) (T, error) {
	mu.RLock()
	build, ok := f.byName[entry.Name]
	mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	p, err := build(entry)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("config: create %s/%s: %w", f.kind, entry.Name, err)
	}
	return p, nil
}

// Registry resolves the provider names used in config to constructors.
// cmd/parley fills it with the built-in backends at startup; tests register
// stubs. Safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm factories[llm.Provider]
	tts factories[tts.Provider]
	vad factories[vad.Engine]
}

// NewRegistry returns a registry with no backends.
func NewRegistry() *Registry {
	return &Registry{
		llm: factories[llm.Provider]{kind: "llm", byName: map[string]Factory[llm.Provider]{}},
		tts: factories[tts.Provider]{kind: "tts", byName: map[string]Factory[tts.Provider]{}},
		vad: factories[vad.Engine]{kind: "vad", byName: map[string]Factory[vad.Engine]{}},
	}
}

// RegisterLLM binds name to an LLM constructor, replacing any earlier one.
func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) {
	r.mu.Lock()
	r.llm.byName[name] = f
	r.mu.Unlock()
}

// RegisterTTS binds name to a TTS constructor.
func (r *Registry) RegisterTTS(name string, f Factory[tts.Provider]) {
	r.mu.Lock()
	r.tts.byName[name] = f
	r.mu.Unlock()
}

// RegisterVAD binds name to a VAD engine constructor.
func (r *Registry) RegisterVAD(name string, f Factory[vad.Engine]) {
	r.mu.Lock()
	r.vad.byName[name] = f
	r.mu.Unlock()
}

// CreateLLM builds the LLM backend named by entry.Name. The error wraps
// [ErrProviderNotRegistered] for unknown names.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return create(&r.mu, &r.llm, entry)
}

// CreateTTS builds the TTS backend named by entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return create(&r.mu, &r.tts, entry)
}

// CreateVAD builds the VAD engine named by entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	return create(&r.mu, &r.vad, entry)
}

// Registered lists the sorted backend names of kind ("llm", "tts" or
// "vad"). Unknown kinds yield nil.
func (r *Registry) Registered(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case r.llm.kind:
		return slices.Sorted(maps.Keys(r.llm.byName))
	case r.tts.kind:
		return slices.Sorted(maps.Keys(r.tts.byName))
	case r.vad.kind:
		return slices.Sorted(maps.Keys(r.vad.byName))
	}
	return nil
}
