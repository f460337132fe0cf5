// Package mock scripts VAD engines for detector and session tests.
package mock

import (
	"sync"

	"github.com/MrWong99/parley/pkg/provider/vad"
)

// Engine hands out Session, or a fresh zero-confidence Session when nil.
type Engine struct {
	Session vad.SessionHandle
	Err     error

	mu      sync.Mutex
	Configs []vad.Config
}

var _ vad.Engine = (*Engine)(nil)

func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Configs = append(e.Configs, cfg)
	switch {
	case e.Err != nil:
		return nil, e.Err
	case e.Session != nil:
		return e.Session, nil
	}
	return &Session{}, nil
}

// Session returns Script values in order, then Confidence forever. Err, when
// set, fails every window. The counters are written under a lock; read them
// once the code under test is done.
type Session struct {
	Confidence float64
	Script     []float64
	Err        error

	mu         sync.Mutex
	Classified int
	WindowLen  int
	Resets     int
	Closes     int
}

var _ vad.SessionHandle = (*Session)(nil)

func (s *Session) Classify(window []float32) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Classified++
	s.WindowLen = len(window)
	if s.Err != nil {
		return 0, s.Err
	}
	if len(s.Script) == 0 {
		return s.Confidence, nil
	}
	next := s.Script[0]
	s.Script = s.Script[1:]
	return next, nil
}

func (s *Session) Reset() {
	s.mu.Lock()
	s.Resets++
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.Closes++
	s.mu.Unlock()
	return nil
}
