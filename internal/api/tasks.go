package api

import (
	"net/http"

	"github.com/nugget/steward/internal/instructions"
	"github.com/nugget/steward/internal/tasks"
)

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request, userID string) {
	status := tasks.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		s.errorResponse(w, http.StatusBadRequest, "unknown status "+string(status))
		return
	}
	list, err := s.deps.Tasks.List(userID, status)
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*tasks.Task{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tasks": list}, s.logger)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request, userID string) {
	t, err := s.deps.Tasks.Get(userID, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, t, s.logger)
}

func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.deps.Tasks.Delete(userID, r.PathValue("id")); err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInstructionList(w http.ResponseWriter, r *http.Request, userID string) {
	list, err := s.deps.Instructions.List(userID)
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*instructions.Instruction{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"instructions": list}, s.logger)
}

func (s *Server) handleInstructionDeactivate(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.deps.Instructions.Deactivate(userID, r.PathValue("id")); err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInstructionDelete(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.deps.Instructions.Delete(userID, r.PathValue("id")); err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
