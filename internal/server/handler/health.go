package handler

import (
	"net/http"
	"time"
)

// Check reports one component's health. detail explains a failure.
type Check struct {
	Name  string
	Probe func() (ok bool, detail string)
}

// HealthHandler serves the health endpoint. Only sustained problems are
// wired in as checks (persistence failing repeatedly, pool demotion);
// transient errors never degrade it.
type HealthHandler struct {
	checks []Check
	now    func() time.Time
}

// NewHealthHandler creates a HealthHandler over checks.
func NewHealthHandler(checks ...Check) *HealthHandler {
	return &HealthHandler{checks: checks, now: time.Now}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Reasons   map[string]string `json:"reasons,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// HealthCheck answers 200 with "ok", or 503 with "degraded" and the failing
// checks.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Timestamp: h.now().UTC().Format(time.RFC3339)}
	for _, c := range h.checks {
		if ok, detail := c.Probe(); !ok {
			if resp.Reasons == nil {
				resp.Reasons = make(map[string]string)
			}
			resp.Reasons[c.Name] = detail
		}
	}
	status := http.StatusOK
	if len(resp.Reasons) > 0 {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
