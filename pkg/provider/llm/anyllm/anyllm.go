// Package anyllm streams replies through github.com/mozilla-ai/any-llm-go,
// which puts Gemini, Anthropic, OpenAI, Ollama and several other backends
// behind one client. The default engine config talks to Gemini this way.
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// backends maps a config provider name to its any-llm-go constructor. Without
// an API key option each backend reads its usual environment variable
// (GEMINI_API_KEY, ANTHROPIC_API_KEY, ...); ollama, llamacpp and llamafile
// need none.
var backends = map[string]func(...anyllmlib.Option) (anyllmlib.Provider, error){
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"deepseek":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) },
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"llamacpp":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) },
	"llamafile": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
}

// Backends lists the provider names [New] accepts, sorted.
func Backends() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Provider is an [llm.Provider] on one any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New returns a provider for model on the named backend.
func New(name, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("anyllm: model is empty")
	}
	name = strings.ToLower(name)
	ctor, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unknown backend %q (have %s)", name, strings.Join(Backends(), ", "))
	}
	backend, err := ctor(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s: %w", name, err)
	}
	return &Provider{backend: backend, name: name, model: model}, nil
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// StreamCompletion starts a streamed completion on the backend.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anyllm: request has no messages")
	}
	chunks, errs := p.backend.CompletionStream(ctx, p.params(req))

	return llm.Stream(ctx, "anyllm: "+p.name, func(emit func(llm.Chunk) bool) error {
		for c := range chunks {
			if len(c.Choices) == 0 {
				continue
			}
			choice := c.Choices[0]
			if !emit(llm.Chunk{Text: choice.Delta.Content, FinishReason: choice.FinishReason}) {
				return nil
			}
		}
		return <-errs
	}), nil
}

func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: make([]anyllmlib.Message, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		params.Messages = append(params.Messages, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}
	if req.Temperature != 0 {
		params.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = &req.MaxTokens
	}
	return params
}
