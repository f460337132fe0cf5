// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., a Coqui or Piper
// server, ElevenLabs, or Amazon Polly) and presents a uniform phrase-level
// interface. The turn engine segments generated text into phrases and hands
// each one to a worker pool; every worker calls Synthesize once per phrase and
// collects the PCM chunks as they arrive. Streaming the chunks lets a worker
// stop early when the user barges in.
//
// All providers emit 16-bit little-endian mono PCM at the output rate they
// were configured with (16 kHz in production).
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/parley/pkg/types"
)

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Pool workers call
// Synthesize in parallel for different phrases of the same turn.
type Provider interface {
	// Synthesize renders one phrase of text and returns a channel that emits raw
	// PCM byte slices as they become available.
	//
	// The returned channel is closed by the implementation when synthesis is
	// complete, when it fails part way, or when ctx is cancelled. The caller must
	// drain the channel (or cancel ctx) to avoid blocking the provider's
	// internal goroutines.
	//
	// voice selects the voice; voice.Language selects the language for
	// multilingual models.
	//
	// Returns a non-nil error only if synthesis cannot be started.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (<-chan []byte, error)

	// ListVoices returns all voice profiles available from this provider.
	//
	// Returns an error if the provider cannot be reached or if ctx is cancelled
	// before the list is retrieved.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}

// Chunk splits pcm into slices of at most size bytes and sends them on out,
// stopping early if ctx is cancelled. It reports whether every chunk was sent.
func Chunk(ctx context.Context, out chan<- []byte, pcm []byte, size int) bool {
	for len(pcm) > 0 {
		end := min(size, len(pcm))
		select {
		case out <- pcm[:end]:
		case <-ctx.Done():
			return false
		}
		pcm = pcm[end:]
	}
	return true
}
