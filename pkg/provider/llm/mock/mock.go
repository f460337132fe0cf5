// Package mock provides a scripted [llm.Provider] for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// StreamCall is one recorded StreamCompletion call.
type StreamCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider replays StreamChunks for every request. Configure the fields
// before use; read StreamCalls through [Provider.Streams] while calls may
// still be running.
type Provider struct {
	// ModelName is returned by Model. Default: "mock".
	ModelName string

	// StreamChunks is sent in order on every stream.
	StreamChunks []llm.Chunk

	// StreamErr makes StreamCompletion fail before streaming.
	StreamErr error

	// ChunkDelay is waited before each chunk, so a test can barge in
	// mid-generation.
	ChunkDelay time.Duration

	// HoldOpen keeps the stream open after the last chunk until ctx ends.
	HoldOpen bool

	mu          sync.Mutex
	StreamCalls []StreamCall
}

var _ llm.Provider = (*Provider)(nil)

// StreamCompletion records the call and replays StreamChunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := append([]llm.Chunk(nil), p.StreamChunks...)
	delay, hold := p.ChunkDelay, p.HoldOpen
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if delay > 0 {
				t := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					t.Stop()
					return
				case <-t.C:
				}
			}
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

// Model returns ModelName.
func (p *Provider) Model() string {
	if p.ModelName == "" {
		return "mock"
	}
	return p.ModelName
}

// Streams returns a copy of the recorded calls.
func (p *Provider) Streams() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StreamCall(nil), p.StreamCalls...)
}

// TextChunks scripts a reply: one chunk per fragment, then a stop chunk.
func TextChunks(fragments ...string) []llm.Chunk {
	out := make([]llm.Chunk, 0, len(fragments)+1)
	for _, f := range fragments {
		out = append(out, llm.Chunk{Text: f})
	}
	return append(out, llm.Chunk{FinishReason: llm.FinishStop})
}
