//go:build silero

// Package silero provides a [vad.Engine] backed by the Silero VAD v5 ONNX
// model, executed through onnxruntime.
//
// The shared library is located through the ONNXRUNTIME_LIB environment
// variable. Build with -tags=silero to enable it; without the tag [New] returns
// an error and callers fall back to another engine.
package silero

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/MrWong99/parley/pkg/provider/vad"
)

const (
	stateSize = 2 * 1 * 128

	// Silero v5 prepends the tail of the previous window to each input.
	contextSamples16k = 64
	contextSamples8k  = 32
)

var (
	ortOnce    sync.Once
	ortInitErr error
)

// ensureOrtEnv initializes the ONNX runtime environment exactly once per process.
func ensureOrtEnv() error {
	ortOnce.Do(func() {
		if libPath := os.Getenv("ONNXRUNTIME_LIB"); libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		} else if runtime.GOOS == "darwin" {
			ort.SetSharedLibraryPath("/opt/homebrew/lib/libonnxruntime.dylib")
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// Engine implements [vad.Engine] using a Silero ONNX model file.
type Engine struct {
	modelPath string
}

var _ vad.Engine = (*Engine)(nil)

// New returns an Engine for the model at modelPath. The runtime is initialised
// lazily on the first NewSession call.
func New(modelPath string) (*Engine, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("silero: model path is required")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("silero: model file: %w", err)
	}
	return &Engine{modelPath: modelPath}, nil
}

// NewSession implements [vad.Engine]. Each session owns its own ONNX session
// and recurrent state tensor.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	var ctxLen int
	switch cfg.SampleRate {
	case 16000:
		ctxLen = contextSamples16k
	case 8000:
		ctxLen = contextSamples8k
	default:
		return nil, fmt.Errorf("silero: unsupported sample rate %d", cfg.SampleRate)
	}
	if cfg.WindowSamples <= 0 {
		return nil, fmt.Errorf("silero: window samples must be positive, got %d", cfg.WindowSamples)
	}
	if err := ensureOrtEnv(); err != nil {
		return nil, fmt.Errorf("silero: init onnxruntime: %w", err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("silero: session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetIntraOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("silero: set intra-op threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("silero: set inter-op threads: %w", err)
	}

	s := &session{window: cfg.WindowSamples, ctxLen: ctxLen}
	if err := s.allocate(e.modelPath, int64(cfg.SampleRate), opts); err != nil {
		s.destroy()
		return nil, err
	}
	return s, nil
}

type session struct {
	mu     sync.Mutex
	window int
	ctxLen int
	closed bool

	input  *ort.Tensor[float32]
	state  *ort.Tensor[float32]
	sr     *ort.Tensor[int64]
	output *ort.Tensor[float32]
	stateN *ort.Tensor[float32]
	sess   *ort.AdvancedSession
}

func (s *session) allocate(modelPath string, sampleRate int64, opts *ort.SessionOptions) error {
	var err error
	if s.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(s.ctxLen+s.window))); err != nil {
		return fmt.Errorf("silero: input tensor: %w", err)
	}
	if s.state, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128)); err != nil {
		return fmt.Errorf("silero: state tensor: %w", err)
	}
	if s.sr, err = ort.NewTensor(ort.NewShape(1), []int64{sampleRate}); err != nil {
		return fmt.Errorf("silero: sr tensor: %w", err)
	}
	if s.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 1)); err != nil {
		return fmt.Errorf("silero: output tensor: %w", err)
	}
	if s.stateN, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128)); err != nil {
		return fmt.Errorf("silero: stateN tensor: %w", err)
	}
	s.sess, err = ort.NewAdvancedSession(modelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		[]ort.Value{s.input, s.state, s.sr},
		[]ort.Value{s.output, s.stateN},
		opts,
	)
	if err != nil {
		return fmt.Errorf("silero: create session: %w", err)
	}
	return nil
}

// Classify implements [vad.SessionHandle].
func (s *session) Classify(window []float32) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("silero: session closed")
	}
	if len(window) != s.window {
		return 0, fmt.Errorf("silero: window has %d samples, want %d", len(window), s.window)
	}

	in := s.input.GetData()
	// Shift the previous window's tail into the context slot.
	copy(in[:s.ctxLen], in[len(in)-s.ctxLen:])
	copy(in[s.ctxLen:], window)

	if err := s.sess.Run(); err != nil {
		return 0, fmt.Errorf("silero: run: %w", err)
	}
	copy(s.state.GetData(), s.stateN.GetData())
	return float64(s.output.GetData()[0]), nil
}

// Reset implements [vad.SessionHandle].
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	clear(s.input.GetData())
	clear(s.state.GetData())
}

// Close implements [vad.SessionHandle].
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.destroy()
	return nil
}

func (s *session) destroy() {
	if s.sess != nil {
		_ = s.sess.Destroy()
	}
	for _, t := range []*ort.Tensor[float32]{s.input, s.state, s.output, s.stateN} {
		if t != nil {
			_ = t.Destroy()
		}
	}
	if s.sr != nil {
		_ = s.sr.Destroy()
	}
}
