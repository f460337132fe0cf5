//go:build !silero

// Package silero provides a [vad.Engine] backed by the Silero VAD v5 ONNX
// model. This build was compiled without the silero tag, so [New] always
// fails and callers fall back to another engine.
package silero

import (
	"errors"

	"github.com/MrWong99/parley/pkg/provider/vad"
)

// ErrUnavailable is returned by [New] when the binary was built without -tags=silero.
var ErrUnavailable = errors.New("silero: VAD engine not available (build with -tags=silero)")

// Engine is a placeholder so callers compile without the silero tag.
type Engine struct{}

var _ vad.Engine = (*Engine)(nil)

// New always returns [ErrUnavailable].
func New(modelPath string) (*Engine, error) {
	return nil, ErrUnavailable
}

// NewSession always returns [ErrUnavailable].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	return nil, ErrUnavailable
}
