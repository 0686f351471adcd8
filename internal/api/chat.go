package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nugget/steward/internal/agent"
	"github.com/nugget/steward/internal/memory"
)

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse is the reply to POST /v1/chat.
type ChatResponse struct {
	Response      string                 `json:"response"`
	SessionID     string                 `json:"session_id"`
	PendingTaskID string                 `json:"pending_task_id,omitempty"`
	ToolCalls     []agent.ToolCallRecord `json:"tool_calls"`
	Exhausted     bool                   `json:"exhausted,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, userID string) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.deps.Chat.Turn(r.Context(), agent.TurnRequest{
		UserID:    userID,
		Message:   req.Message,
		SessionID: req.SessionID,
	})
	if err != nil {
		if errors.Is(err, agent.ErrTurnFailed) && res != nil {
			s.logger.Warn("chat turn failed", "user_id", userID, "session_id", res.SessionID, "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			writeJSON(w, map[string]any{
				"error":      map[string]any{"message": res.Response, "code": http.StatusBadGateway},
				"session_id": res.SessionID,
				"tool_calls": res.ToolCalls,
			}, s.logger)
			return
		}
		s.fail(w, r, err, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatResponse{
		Response:      res.Response,
		SessionID:     res.SessionID,
		PendingTaskID: res.PendingTaskID,
		ToolCalls:     res.ToolCalls,
		Exhausted:     res.Exhausted,
	}, s.logger)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request, userID string) {
	sessions, err := s.deps.Memory.ListSessions(userID)
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []*memory.Session{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"sessions": sessions}, s.logger)
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request, userID string) {
	sess, err := s.deps.Memory.GetSession(userID, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	msgs, err := s.deps.Memory.Messages(sess.ID)
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []memory.Message{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"session": sess, "messages": msgs}, s.logger)
}
