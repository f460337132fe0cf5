// Package openai streams replies from the OpenAI chat completions API or any
// server that speaks it (vLLM, LM Studio, llama.cpp's server). Point
// [WithBaseURL] at a self-hosted endpoint to run turns against a local model.
package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/types"
)

// Provider is an [llm.Provider] on the openai-go client.
type Provider struct {
	client oai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

type settings struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// Option configures [New].
type Option func(*settings)

// WithBaseURL targets an OpenAI-compatible server, e.g.
// "http://localhost:8080/v1".
func WithBaseURL(url string) Option { return func(s *settings) { s.baseURL = url } }

// WithOrganization sends the OpenAI-Organization header.
func WithOrganization(org string) Option { return func(s *settings) { s.organization = org } }

// WithTimeout bounds each request, including reading the whole stream.
func WithTimeout(d time.Duration) Option { return func(s *settings) { s.timeout = d } }

// New returns a provider for model. The client never retries: the turn
// engine fails over to the next provider instead of stalling a reply.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is empty")
	}
	if model == "" {
		return nil, errors.New("openai: model is empty")
	}
	var s settings
	for _, o := range opts {
		o(&s)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	if s.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(s.organization))
	}
	if s.timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(s.timeout))
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// StreamCompletion opens a streaming chat completion.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: open stream: %w", err)
	}

	return llm.Stream(ctx, "openai", func(emit func(llm.Chunk) bool) error {
		defer stream.Close()
		for stream.Next() {
			cur := stream.Current()
			if len(cur.Choices) == 0 {
				continue
			}
			c := cur.Choices[0]
			if !emit(llm.Chunk{Text: c.Delta.Content, FinishReason: c.FinishReason}) {
				return nil
			}
		}
		return stream.Err()
	}), nil
}

func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("openai: request has no messages")
	}
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg, err := message(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		msgs = append(msgs, msg)
	}

	params := oai.ChatCompletionNewParams{Model: shared.ChatModel(p.model), Messages: msgs}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

func message(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case "system":
		return oai.SystemMessage(m.Content), nil
	case "user":
		return oai.UserMessage(m.Content), nil
	case "assistant":
		return oai.AssistantMessage(m.Content), nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unsupported role %q", m.Role)
}
