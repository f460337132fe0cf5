package server

import (
	"errors"
	"net/http"

	"github.com/MrWong99/parley/internal/session"
)

type resetRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// handleReset clears the session's history, interrupt state and detector.
// Resetting twice, or resetting a session that does not exist, still
// succeeds.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := s.sessionID(r, req.SessionID)
	if err := s.sessions.Reset(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, _, err := s.sessions.GetOrCreate(r.Context(), "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.Info(r.PathValue("id"))
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleLegacyHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "healthy", Version: s.version})
}
