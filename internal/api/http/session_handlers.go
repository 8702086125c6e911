package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/yupi/settlement-hub/internal/application/settlement"
	"github.com/yupi/settlement-hub/internal/domain/appsession"
	"github.com/yupi/settlement-hub/internal/infrastructure/sse"
)

// SessionEvent is the SSE event name for local session changes.
const SessionEvent = "session"

type createSessionRequest struct {
	Participants []string                `json:"participants"`
	Weights      []int64                 `json:"weights"`
	Quorum       uint64                  `json:"quorum"`
	Allocations  []appsession.Allocation `json:"allocations"`
	SessionData  string                  `json:"session_data,omitempty"`
}

type closeSessionRequest struct {
	Allocations []appsession.Allocation `json:"allocations"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	snap, err := s.sessions.CreateSession(r.Context(), settlement.CreateSessionInput{
		Participants: req.Participants,
		Weights:      req.Weights,
		Quorum:       req.Quorum,
		Allocations:  req.Allocations,
		SessionData:  req.SessionData,
	})
	s.publish(snap)
	if err != nil {
		respondSessionError(w, err, snap)
		return
	}
	respondJSON(w, http.StatusCreated, snap)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	state := appsession.State(r.URL.Query().Get("state"))
	out := []appsession.Session{}
	for _, snap := range s.sessions.ListSessions() {
		if state != "" && snap.State != state {
			continue
		}
		out = append(out, snap)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.GetSession(chi.URLParam(r, "sessionId"))
	if err != nil {
		respondSessionError(w, err, appsession.Session{})
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	var req closeSessionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	snap, err := s.sessions.CloseSession(r.Context(), chi.URLParam(r, "sessionId"), req.Allocations)
	s.publish(snap)
	if err != nil {
		respondSessionError(w, err, snap)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) reconcileSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.Reconcile(r.Context(), chi.URLParam(r, "sessionId"))
	s.publish(snap)
	if err != nil {
		respondSessionError(w, err, snap)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) publish(snap appsession.Session) {
	if s.sseHub == nil || snap.Ref == uuid.Nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode session event")
		return
	}
	s.sseHub.Broadcast(sse.NewMessage(SessionEvent, data))
}
