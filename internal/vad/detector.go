// Package vad implements the per-session voice activity detector that gates a
// raw microphone stream into speech and turn-commit signals.
//
// The detector buffers little-endian int16 PCM, slices it into fixed analysis
// windows and runs each window through an amplitude gate followed by a
// [vadengine.SessionHandle] classifier. A leaky-bucket pair of speech and
// silence scores provides hysteresis: speech is reported once the speech score
// reaches a trigger, and a turn is committed once enough consecutive silence
// follows confirmed speech.
//
// Strict mode is enabled while the agent is speaking. It raises the amplitude
// gate, the classifier confidence and the trigger so that acoustic echo of the
// agent's own voice is not mistaken for a barge-in.
//
// All methods are safe for concurrent use.
package vad

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	vadengine "github.com/MrWong99/parley/pkg/provider/vad"
	"github.com/MrWong99/parley/pkg/types"
)

// Config holds the detector tunables. Zero fields are replaced by the values
// from [DefaultConfig] in [New].
type Config struct {
	// SampleRate of the incoming PCM in Hz.
	SampleRate int

	// WindowSamples is the analysis window length (512 ≈ 32 ms at 16 kHz).
	WindowSamples int

	// CalibrationWindows is how many gate-level windows are averaged to
	// estimate ambient noise.
	CalibrationWindows int

	// CalibrationFactor scales the ambient average into the noise floor.
	CalibrationFactor float64

	// MinNoiseFloor is the lowest noise floor calibration may produce.
	MinNoiseFloor float64

	// NormalGate is the RMS gate used outside strict mode.
	NormalGate float64

	// StrictGateFactor multiplies the noise floor to form the strict gate.
	StrictGateFactor float64

	// NormalConfidence and StrictConfidence are the classifier scores a window
	// must exceed to count as speech.
	NormalConfidence float64
	StrictConfidence float64

	// LoudOverride is the RMS above which a window is speech regardless of
	// classifier confidence.
	LoudOverride float64

	// ScoreCap bounds the speech and silence scores.
	ScoreCap int

	// NormalTrigger and StrictTrigger are the speech scores at which speech
	// is reported.
	NormalTrigger int
	StrictTrigger int

	// CommitFrames maps a language to the number of silent windows that end
	// a turn. Languages not listed use DefaultCommitFrames.
	CommitFrames        map[types.Language]int
	DefaultCommitFrames int

	// DefaultImmunity is used by StartImmunity when called with d <= 0.
	DefaultImmunity time.Duration
}

// DefaultConfig returns the tuning used in production.
func DefaultConfig() Config {
	return Config{
		SampleRate:         16000,
		WindowSamples:      512,
		CalibrationWindows: 20,
		CalibrationFactor:  2.5,
		MinNoiseFloor:      0.01,
		NormalGate:         0.003,
		StrictGateFactor:   10,
		NormalConfidence:   0.2,
		StrictConfidence:   0.4,
		LoudOverride:       0.025,
		ScoreCap:           50,
		NormalTrigger:      5,
		StrictTrigger:      10,
		CommitFrames: map[types.Language]int{
			types.LangEnglish: 20,
			types.LangHindi:   35,
			types.LangMarathi: 35,
		},
		DefaultCommitFrames: 35,
		DefaultImmunity:     600 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.WindowSamples <= 0 {
		c.WindowSamples = d.WindowSamples
	}
	if c.CalibrationWindows <= 0 {
		c.CalibrationWindows = d.CalibrationWindows
	}
	if c.CalibrationFactor <= 0 {
		c.CalibrationFactor = d.CalibrationFactor
	}
	if c.MinNoiseFloor <= 0 {
		c.MinNoiseFloor = d.MinNoiseFloor
	}
	if c.NormalGate <= 0 {
		c.NormalGate = d.NormalGate
	}
	if c.StrictGateFactor <= 0 {
		c.StrictGateFactor = d.StrictGateFactor
	}
	if c.NormalConfidence <= 0 {
		c.NormalConfidence = d.NormalConfidence
	}
	if c.StrictConfidence <= 0 {
		c.StrictConfidence = d.StrictConfidence
	}
	if c.LoudOverride <= 0 {
		c.LoudOverride = d.LoudOverride
	}
	if c.ScoreCap <= 0 {
		c.ScoreCap = d.ScoreCap
	}
	if c.NormalTrigger <= 0 {
		c.NormalTrigger = d.NormalTrigger
	}
	if c.StrictTrigger <= 0 {
		c.StrictTrigger = d.StrictTrigger
	}
	if c.CommitFrames == nil {
		c.CommitFrames = d.CommitFrames
	}
	if c.DefaultCommitFrames <= 0 {
		c.DefaultCommitFrames = d.DefaultCommitFrames
	}
	if c.DefaultImmunity <= 0 {
		c.DefaultImmunity = d.DefaultImmunity
	}
}

// Signals is the outcome of one [Detector.SubmitFrame] call.
type Signals struct {
	// SpeechDetected is true if any window in the frame pushed the speech
	// score to or above the active trigger.
	SpeechDetected bool

	// TurnCommitted is true if the frame completed an utterance.
	TurnCommitted bool
}

// State is a point-in-time snapshot of the detector, for diagnostics.
type State struct {
	SpeechScore  int
	SilenceScore int
	TurnActive   bool
	Strict       bool
	Calibrated   bool
	NoiseFloor   float64
	Language     types.Language
	CommitFrames int
	Buffered     int
}

// Option is a functional option for [New].
type Option func(*Detector)

// WithClock overrides the time source used for immunity windows.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithLogger sets the logger used for state transitions.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.log = l }
}

// Detector is the stateful frame classifier for one audio stream.
type Detector struct {
	cfg  Config
	sess vadengine.SessionHandle
	now  func() time.Time
	log  *slog.Logger

	mu           sync.Mutex
	buf          []byte
	window       []float32
	speechScore  int
	silenceScore int
	turnActive   bool
	strict       bool
	immuneUntil  time.Time
	lang         types.Language
	commitFrames int

	calSum     float64
	calCount   int
	calibrated bool
	noiseFloor float64
}

// New creates a Detector that classifies windows with a fresh session from
// engine.
func New(engine vadengine.Engine, cfg Config, opts ...Option) (*Detector, error) {
	if engine == nil {
		return nil, fmt.Errorf("vad: engine must not be nil")
	}
	cfg.applyDefaults()
	sess, err := engine.NewSession(vadengine.Config{
		SampleRate:    cfg.SampleRate,
		WindowSamples: cfg.WindowSamples,
	})
	if err != nil {
		return nil, fmt.Errorf("vad: new session: %w", err)
	}
	d := &Detector{
		cfg:          cfg,
		sess:         sess,
		now:          time.Now,
		log:          slog.Default(),
		window:       make([]float32, cfg.WindowSamples),
		commitFrames: cfg.DefaultCommitFrames,
		noiseFloor:   cfg.MinNoiseFloor,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// SubmitFrame consumes one transport frame of little-endian int16 PCM. Frames
// need not be aligned to the analysis window; leftover bytes carry over to the
// next call. While the immunity window is open the frame is discarded.
func (d *Detector) SubmitFrame(frame []byte) (Signals, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var sig Signals
	if d.now().Before(d.immuneUntil) {
		return sig, nil
	}

	d.buf = append(d.buf, frame...)
	winBytes := d.cfg.WindowSamples * 2
	var firstErr error
	off := 0
	for len(d.buf)-off >= winBytes {
		chunk := d.buf[off : off+winBytes]
		off += winBytes
		for i := range d.window {
			d.window[i] = float32(int16(binary.LittleEndian.Uint16(chunk[i*2:]))) / 32768
		}
		detected, err := d.processWindow()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if detected {
			sig.SpeechDetected = true
		}
	}
	if off > 0 {
		n := copy(d.buf, d.buf[off:])
		d.buf = d.buf[:n]
	}

	if d.turnActive && d.silenceScore >= d.commitFrames {
		d.log.Debug("vad: turn committed", "lang", d.lang, "silence", d.silenceScore)
		d.turnActive = false
		d.speechScore = 0
		d.silenceScore = 0
		sig.TurnCommitted = true
	}
	return sig, firstErr
}

// processWindow scores d.window and reports whether the speech trigger is met.
// Must be called with d.mu held.
func (d *Detector) processWindow() (bool, error) {
	rms := windowRMS(d.window)
	d.calibrate(rms)

	gate := d.cfg.NormalGate
	if d.strict {
		gate = d.noiseFloor * d.cfg.StrictGateFactor
	}
	if rms < gate {
		d.markSilent()
		return false, nil
	}

	voiced := true
	conf, err := d.sess.Classify(d.window)
	if err != nil {
		err = fmt.Errorf("vad: classify: %w", err)
	} else {
		required := d.cfg.NormalConfidence
		if d.strict {
			required = d.cfg.StrictConfidence
		}
		voiced = conf > required || rms > d.cfg.LoudOverride
	}

	if !voiced {
		d.markSilent()
		return false, err
	}

	d.speechScore = min(d.cfg.ScoreCap, d.speechScore+1)
	d.silenceScore = 0

	trigger := d.cfg.NormalTrigger
	if d.strict {
		trigger = d.cfg.StrictTrigger
	}
	if d.speechScore < trigger {
		return false, err
	}
	if !d.turnActive {
		d.log.Debug("vad: speech confirmed", "strict", d.strict, "rms", rms)
	}
	d.turnActive = true
	return true, err
}

// markSilent decays the speech score and counts a silent window. The silence
// score saturates at the larger of ScoreCap and the commit threshold so a
// long commit setting can still be reached.
func (d *Detector) markSilent() {
	d.speechScore = max(0, d.speechScore-1)
	d.silenceScore = min(max(d.cfg.ScoreCap, d.commitFrames), d.silenceScore+1)
}

// calibrate folds rms into the ambient estimate until enough windows have
// been seen. Must be called with d.mu held.
func (d *Detector) calibrate(rms float64) {
	if d.calibrated {
		return
	}
	d.calSum += rms
	d.calCount++
	if d.calCount < d.cfg.CalibrationWindows {
		return
	}
	avg := d.calSum / float64(d.calCount)
	d.noiseFloor = max(d.cfg.MinNoiseFloor, avg*d.cfg.CalibrationFactor)
	d.calibrated = true
	d.log.Info("vad: calibrated", "ambient", avg, "noise_floor", d.noiseFloor)
}

// SetStrictMode toggles echo-resistant thresholds.
func (d *Detector) SetStrictMode(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.strict = enabled
}

// SetLanguage selects the commit-silence profile for lang.
func (d *Detector) SetLanguage(lang types.Language) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lang = lang
	if n, ok := d.cfg.CommitFrames[lang]; ok && n > 0 {
		d.commitFrames = n
	} else {
		d.commitFrames = d.cfg.DefaultCommitFrames
	}
}

// StartImmunity ignores all frames for dur. dur <= 0 uses the configured
// default.
func (d *Detector) StartImmunity(dur time.Duration) {
	if dur <= 0 {
		dur = d.cfg.DefaultImmunity
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.immuneUntil = d.now().Add(dur)
}

// Reset discards all window-local state: both scores, the turn-active flag
// and any buffered samples. Strict mode, language and calibration survive.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.speechScore = 0
	d.silenceScore = 0
	d.turnActive = false
	d.buf = d.buf[:0]
	d.sess.Reset()
}

// State returns a snapshot of the detector.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return State{
		SpeechScore:  d.speechScore,
		SilenceScore: d.silenceScore,
		TurnActive:   d.turnActive,
		Strict:       d.strict,
		Calibrated:   d.calibrated,
		NoiseFloor:   d.noiseFloor,
		Language:     d.lang,
		CommitFrames: d.commitFrames,
		Buffered:     len(d.buf) / 2,
	}
}

// Close releases the classifier session.
func (d *Detector) Close() error {
	return d.sess.Close()
}

func windowRMS(w []float32) float64 {
	var sum float64
	for _, v := range w {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(w)))
}
