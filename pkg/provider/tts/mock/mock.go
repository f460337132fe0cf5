// Package mock is a scriptable [tts.Provider] for pool, turn and transport
// tests. By default every phrase comes back as one chunk holding the phrase
// bytes, so a test can tell which audio belongs to which text.
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

// Call is one recorded Synthesize invocation.
type Call struct {
	Text  string
	Voice types.VoiceProfile
}

// Provider streams Chunks (or the phrase itself when Chunks is nil) for every
// phrase. Err fails Synthesize before a stream is opened.
type Provider struct {
	Chunks [][]byte
	Err    error

	// Delay holds the first chunk of a phrase back. Gap separates the chunks
	// that follow. Both give way to cancellation.
	Delay func(text string) time.Duration
	Gap   time.Duration

	Voices    []types.VoiceProfile
	VoicesErr error

	mu    sync.Mutex
	calls []Call
}

var _ tts.Provider = (*Provider)(nil)

func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{Text: text, Voice: voice})
	p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}

	chunks := p.Chunks
	if chunks == nil {
		chunks = [][]byte{[]byte(text)}
	}
	var delay time.Duration
	if p.Delay != nil {
		delay = p.Delay(text)
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		for i, c := range chunks {
			wait := p.Gap
			if i == 0 {
				wait = delay
			}
			if !pause(ctx, wait) {
				return
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (p *Provider) ListVoices(context.Context) ([]types.VoiceProfile, error) {
	return p.Voices, p.VoicesErr
}

// Calls returns the phrases synthesized so far, oldest first.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
