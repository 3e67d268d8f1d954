package handler

import (
	"net/http"

	"github.com/alanyoungcy/hedgebot/internal/governor"
	"github.com/alanyoungcy/hedgebot/internal/scheduler"
)

// GovernorHandler exposes pool sizing, weight budget and scheduler counters.
type GovernorHandler struct {
	governor  func() governor.Status
	scheduler func() scheduler.Stats
	workers   func() int
}

// NewGovernorHandler creates a GovernorHandler from status getters.
func NewGovernorHandler(gov func() governor.Status, sched func() scheduler.Stats, workers func() int) *GovernorHandler {
	return &GovernorHandler{governor: gov, scheduler: sched, workers: workers}
}

type governorResponse struct {
	Governor  governor.Status `json:"governor"`
	Scheduler scheduler.Stats `json:"scheduler"`
	Workers   int             `json:"workers"`
}

// GetStatus returns the current resource view.
// GET /api/governor
func (h *GovernorHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, governorResponse{
		Governor:  h.governor(),
		Scheduler: h.scheduler(),
		Workers:   h.workers(),
	})
}
