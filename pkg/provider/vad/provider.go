// Package vad is the seam between the turn detector and the model that
// scores audio windows. Engines only produce a speech confidence; gating,
// calibration and turn commits belong to internal/vad.
package vad

// Config fixes the window shape of a session.
type Config struct {
	// SampleRate in Hz. Silero accepts 8000 and 16000.
	SampleRate int

	// WindowSamples per Classify call: 512 at 16 kHz for Silero v5.
	WindowSamples int
}

// SessionHandle classifies the windows of one audio stream. It may carry
// recurrent state and is not shared between goroutines.
type SessionHandle interface {
	// Classify returns the speech confidence in [0, 1] for one window of
	// samples normalised to [-1, 1].
	Classify(window []float32) (float64, error)

	// Reset drops recurrent state, e.g. after a committed turn.
	Reset()

	// Close frees the session. Repeated calls return nil.
	Close() error
}

// Engine creates sessions. NewSession may be called concurrently.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}
