package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/hedgebot/internal/domain"
	"github.com/alanyoungcy/hedgebot/internal/service"
)

// PositionService defines what the position handler requires.
type PositionService interface {
	List() []domain.Position
	Get(ctx context.Context, id string) (service.Detail, error)
	Reconcile(ctx context.Context) (service.ReconcileReport, error)
}

// PositionHandler serves the position endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logger.With(slog.String("handler", "positions")),
	}
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
	Count     int               `json:"count"`
}

// ListPositions returns every live position, optionally filtered by
// ?symbol= and ?state=.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	var state *domain.TradeState
	if v := r.URL.Query().Get("state"); v != "" {
		s, err := domain.ParseTradeState(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		state = &s
	}

	out := []domain.Position{}
	for _, p := range h.positions.List() {
		if symbol != "" && p.Symbol != symbol {
			continue
		}
		if state != nil && p.State != *state {
			continue
		}
		out = append(out, p)
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: out, Count: len(out)})
}

// GetPosition returns one position with its latest analysis.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, err := h.positions.Get(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load position")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Reconcile compares live positions with the exchange.
// POST /api/reconcile
func (h *PositionHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.positions.Reconcile(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "reconcile failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "reconcile failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
