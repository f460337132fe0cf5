// Package energy provides a model-free [vad.Engine] that scores windows by
// amplitude alone.
//
// It is the fallback classifier when no neural model is available. With the
// default MinRMS of zero every window that reaches the classifier scores 1.0,
// so the detector's own amplitude gate is the only speech filter.
package energy

import (
	"fmt"
	"math"

	"github.com/MrWong99/parley/pkg/provider/vad"
)

// Option is a functional option for [Engine].
type Option func(*Engine)

// WithMinRMS sets the RMS level below which a window scores 0.
func WithMinRMS(rms float64) Option {
	return func(e *Engine) { e.minRMS = rms }
}

// Engine implements [vad.Engine] with an RMS threshold.
type Engine struct {
	minRMS float64
}

var _ vad.Engine = (*Engine)(nil)

// New creates an energy engine.
func New(opts ...Option) *Engine {
	e := &Engine{}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.WindowSamples <= 0 {
		return nil, fmt.Errorf("energy: window samples must be positive, got %d", cfg.WindowSamples)
	}
	return &session{minRMS: e.minRMS, window: cfg.WindowSamples}, nil
}

type session struct {
	minRMS float64
	window int
}

func (s *session) Classify(window []float32) (float64, error) {
	if len(window) != s.window {
		return 0, fmt.Errorf("energy: window has %d samples, want %d", len(window), s.window)
	}
	if RMS(window) < s.minRMS {
		return 0, nil
	}
	return 1, nil
}

func (s *session) Reset()       {}
func (s *session) Close() error { return nil }

// RMS returns the root-mean-square amplitude of normalised samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
