// Package llm is the language model seam of the turn engine.
//
// A turn sends one prompt and consumes the reply as it streams, cutting it
// into phrases for synthesis while the model is still writing. Providers
// therefore only need to stream: there is no blocking completion call.
package llm

import (
	"context"

	"github.com/MrWong99/parley/pkg/types"
)

// CompletionRequest is one prompt.
type CompletionRequest struct {
	Messages []types.Message

	// Temperature is passed through when non-zero.
	Temperature float64

	// MaxTokens caps the reply. Zero leaves the provider default.
	MaxTokens int
}

// Finish reasons. Providers pass their own through; these are the ones the
// turn engine inspects.
const (
	FinishStop   = "stop"
	FinishLength = "length"
	FinishError  = "error"
)

// Chunk is one fragment of a streamed reply. The last chunk carries a
// FinishReason and may carry text too.
type Chunk struct {
	Text         string
	FinishReason string

	// Err is set when FinishReason is FinishError.
	Err error
}

// Provider streams completions from one model. Implementations are safe for
// concurrent use.
type Provider interface {
	// StreamCompletion starts generating a reply to req. An error means the
	// request never started; failures after that arrive as a FinishError
	// chunk. The channel is closed when the reply ends or ctx is done, and
	// the caller drains it.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Model names the model replies come from, for logs and metrics.
	Model() string
}
