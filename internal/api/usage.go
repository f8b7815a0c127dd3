package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/mandarin/internal/usage"
)

const (
	defaultUsageDays = 30
	maxUsageDays     = 366
)

// usageReport is the GET /api/usage response.
type usageReport struct {
	Since   time.Time                 `json:"since"`
	Until   time.Time                 `json:"until"`
	Total   *usage.Summary            `json:"total"`
	ByModel map[string]*usage.Summary `json:"by_model"`
	ByRole  map[string]*usage.Summary `json:"by_role"`
}

// handleUsage reports token usage and cost over the last ?days=N days
// (default 30).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage accounting is disabled")
		return
	}
	days := defaultUsageDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxUsageDays {
			s.errorResponse(w, http.StatusBadRequest, "days must be between 1 and 366")
			return
		}
		days = n
	}

	ctx := r.Context()
	until := time.Now().UTC()
	since := until.AddDate(0, 0, -days)
	// End is exclusive at second resolution; include this second.
	end := until.Add(time.Second)

	rep := usageReport{Since: since, Until: until}
	var err error
	if rep.Total, err = s.deps.Usage.Summary(ctx, since, end); err != nil {
		s.fail(w, err)
		return
	}
	if rep.ByModel, err = s.deps.Usage.SummaryByModel(ctx, since, end); err != nil {
		s.fail(w, err)
		return
	}
	if rep.ByRole, err = s.deps.Usage.SummaryByRole(ctx, since, end); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, rep)
}
