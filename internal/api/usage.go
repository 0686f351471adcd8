package api

import (
	"net/http"
	"time"

	"github.com/nugget/steward/internal/usage"
)

// Usage reports a user's token spend.
type Usage interface {
	Summary(userID string, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(userID string, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByRole(userID string, start, end time.Time) (map[string]*usage.Summary, error)
}

// handleUsage reports totals for ?period= (default month) with
// per-model and per-role breakdowns.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, userID string) {
	period := r.URL.Query().Get("period")
	start, end, err := usage.Window(period, time.Now())
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if period == "" {
		period = "month"
	}

	total, err := s.deps.Usage.Summary(userID, start, end)
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	byModel, err := s.deps.Usage.SummaryByModel(userID, start, end)
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	byRole, err := s.deps.Usage.SummaryByRole(userID, start, end)
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"period":   period,
		"total":    total,
		"by_model": byModel,
		"by_role":  byRole,
	}, s.logger)
}
