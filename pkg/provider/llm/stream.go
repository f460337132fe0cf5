package llm

import (
	"context"
	"errors"
)

// streamBuffer absorbs token bursts while the phrase segmenter catches up.
const streamBuffer = 32

// Stream runs produce on its own goroutine and returns the channel it feeds.
//
// produce hands fragments to emit, which drops empty chunks and returns false
// once ctx is done. A non-nil error from produce becomes a trailing
// [FinishError] chunk with prefix prepended, unless ctx was cancelled: a
// barge-in is not a model failure. The channel is closed when produce
// returns.
func Stream(ctx context.Context, prefix string, produce func(emit func(Chunk) bool) error) <-chan Chunk {
	ch := make(chan Chunk, streamBuffer)
	emit := func(c Chunk) bool {
		if c.Text == "" && c.FinishReason == "" {
			return ctx.Err() == nil
		}
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(ch)
		err := produce(emit)
		if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		emit(Chunk{FinishReason: FinishError, Err: &StreamError{Prefix: prefix, Err: err}})
	}()
	return ch
}

// StreamError wraps a failure that ended a reply after it had started.
type StreamError struct {
	Prefix string
	Err    error
}

func (e *StreamError) Error() string { return e.Prefix + ": stream: " + e.Err.Error() }

func (e *StreamError) Unwrap() error { return e.Err }
