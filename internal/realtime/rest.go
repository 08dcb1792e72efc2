package realtime

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"agent-bridge/internal/broadcast"
	"agent-bridge/internal/orchestrator"
	"agent-bridge/internal/permission"
	"agent-bridge/internal/protocol"
	"agent-bridge/internal/session"
)

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, protocol.ErrCodeInvalidMessage, "invalid request body")
		return
	}

	payload, err := protocol.ValidateStartSession(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, protocol.ErrCodeInvalidMessage, err.Error())
		return
	}

	sess, err := s.backend.StartSession(r.Context(), session.StartRequest{
		SessionID:   payload.SessionID,
		WorkDir:     payload.WorkDir,
		Instruction: payload.Instruction,
		Env:         payload.Env,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, session.Descriptor{
		SessionID: sess.ID,
		State:     sess.State,
		WorkDir:   sess.WorkDir,
		CreatedAt: sess.CreatedAt,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Sessions())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	desc, err := s.backend.Session(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

// handleKillSession interrupts the agent. The session ends asynchronously;
// observers see the error and closed events.
func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.backend.KillSession(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"sessionId": id, "status": "killing"})
}

// handleStream streams a session's events as NDJSON until the session closes
// or the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	obs := broadcast.NewChannelObserver(s.opts.ObserverBuffer)
	observerID, err := s.backend.Subscribe(id, obs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer s.backend.Unsubscribe(id, observerID)

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	rc.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-obs.Events():
			if !ok {
				return
			}
			line, err := ev.MarshalLine()
			if err != nil {
				s.logger.Error("encoding event", "session_id", id, "error", err)
				continue
			}
			if _, err := w.Write(line); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := permission.Filter{
		SessionID: q.Get("sessionId"),
		Status:    permission.Status(q.Get("status")),
	}
	switch filter.Status {
	case "", permission.StatusPending, permission.StatusApproved, permission.StatusDenied:
	default:
		writeJSONError(w, http.StatusBadRequest, protocol.ErrCodeInvalidMessage,
			"status must be pending, approved or denied")
		return
	}
	writeJSON(w, http.StatusOK, s.backend.Permissions(filter))
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, protocol.ErrCodeInvalidMessage, "invalid request body")
		return
	}

	payload, err := protocol.ValidateDecision(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, protocol.ErrCodeInvalidMessage, err.Error())
		return
	}

	req, err := s.backend.Decide(r.PathValue("id"), payload.Action, payload.ModifiedInput, payload.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.backend.Sessions()),
	})
}

// writeError maps domain errors to HTTP responses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var spawnErr *session.SpawnError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeJSONError(w, http.StatusNotFound, protocol.ErrCodeSessionNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrSessionEnded):
		writeJSONError(w, http.StatusGone, protocol.ErrCodeSessionEnded, err.Error())
	case errors.Is(err, session.ErrSessionExists):
		writeJSONError(w, http.StatusConflict, protocol.ErrCodeSessionExists, err.Error())
	case errors.Is(err, session.ErrMaxSessions):
		writeJSONError(w, http.StatusTooManyRequests, protocol.ErrCodeMaxSessions, err.Error())
	case errors.As(err, &spawnErr):
		writeJSONError(w, http.StatusInternalServerError, protocol.ErrCodeSpawnFailed, err.Error())
	case errors.Is(err, permission.ErrRequestNotFound):
		writeJSONError(w, http.StatusNotFound, protocol.ErrCodeRequestNotFound, err.Error())
	case errors.Is(err, permission.ErrInvalidAction):
		writeJSONError(w, http.StatusBadRequest, protocol.ErrCodeInvalidAction, err.Error())
	case errors.Is(err, permission.ErrDecisionConflict):
		writeJSONError(w, http.StatusConflict, protocol.ErrCodeDecisionConflict, err.Error())
	case errors.Is(err, permission.ErrInvalidToolName):
		writeJSONError(w, http.StatusBadRequest, protocol.ErrCodeInvalidToolName, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, protocol.ErrCodeInternal, "internal error")
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
