package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/MrWong99/parley/internal/lang"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/types"
)

type chatRequest struct {
	Text      string `json:"text"`
	Language  string `json:"language,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// handleStreamChat runs one agent turn and streams its events as NDJSON, one
// flushed record per event. A client that goes away cancels the turn.
func (s *Server) handleStreamChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "empty input")
		return
	}

	sess, ok := s.session(w, r, req.SessionID)
	if !ok {
		return
	}
	ctx := observe.WithSession(r.Context(), sess.ID)
	sess.Touch(s.now())

	events, err := sess.Orchestrator.RunTurn(ctx, turn.Request{Text: req.Text, Language: req.Language})
	if err != nil {
		if errors.Is(err, turn.ErrEmptyInput) {
			writeError(w, http.StatusBadRequest, "empty input")
			return
		}
		// The client left while waiting for the previous turn.
		observe.Logger(ctx).Debug("server: turn not started", "err", err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(SessionHeader, sess.ID)
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	writeFailed := false
	for ev := range events {
		if writeFailed {
			continue
		}
		if !s.inlineAudio {
			ev.Audio = nil
		}
		if err := enc.Encode(ev); err != nil {
			writeFailed = true
			continue
		}
		if err := rc.Flush(); err != nil {
			writeFailed = true
		}
	}
	sess.Touch(s.now())
}

type generateRequest struct {
	Text      string `json:"text"`
	Lang      string `json:"lang,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// handleGenerate synthesizes text directly with the language's provider and
// streams raw PCM. Streaming stops when the client leaves or when the
// session's current turn is cancelled by a barge-in.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "empty input")
		return
	}
	l := types.LangEnglish
	if req.Lang != "" {
		l = types.Language(strings.ToLower(req.Lang))
	}
	pool, ok := s.pools.Get(l)
	if !ok {
		writeError(w, http.StatusNotFound, "no synthesis pool for language "+string(l))
		return
	}

	var cancelled func() bool
	if sess, ok := s.sessions.Get(s.sessionID(r, req.SessionID)); ok {
		cancelled = sess.Coordinator.Cancelled
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if l.IsSupported() {
		text = lang.ValidateOutput(text, l)
	}
	chunks, err := pool.Provider().Synthesize(ctx, text, pool.Voice())
	if err != nil {
		s.metrics.RecordProviderError(ctx, "tts", "synthesize")
		writeError(w, http.StatusBadGateway, "synthesis failed")
		return
	}

	w.Header().Set("Content-Type", "audio/pcm")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	for chunk := range chunks {
		if cancelled != nil && cancelled() {
			break
		}
		if _, err := w.Write(chunk); err != nil {
			break
		}
		_ = rc.Flush()
	}
	cancel()
	for range chunks {
	}
}

// session resolves the request's session, writing an error response when it
// cannot be obtained.
func (s *Server) session(w http.ResponseWriter, r *http.Request, fromBody string) (*session.Session, bool) {
	sess, _, err := s.sessions.GetOrCreate(r.Context(), s.sessionID(r, fromBody))
	if err != nil {
		if errors.Is(err, session.ErrInvalidID) {
			writeError(w, http.StatusBadRequest, err.Error())
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return sess, true
}
