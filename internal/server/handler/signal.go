package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/hedgebot/internal/domain"
)

// Opener creates positions from entry signals.
type Opener interface {
	Open(ctx context.Context, sig domain.EntrySignal) (domain.Position, error)
}

// SignalHandler accepts entry signals over HTTP.
type SignalHandler struct {
	opener Opener
	logger *slog.Logger
}

// NewSignalHandler creates a SignalHandler.
func NewSignalHandler(opener Opener, logger *slog.Logger) *SignalHandler {
	return &SignalHandler{opener: opener, logger: logger.With(slog.String("handler", "signals"))}
}

type signalResponse struct {
	Position  domain.Position `json:"position"`
	Duplicate bool            `json:"duplicate"`
}

// PostSignal opens a position. Replaying a signal is not an error: the
// response is 200 with duplicate set instead of 201.
// POST /api/signals
func (h *SignalHandler) PostSignal(w http.ResponseWriter, r *http.Request) {
	var sig domain.EntrySignal
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid signal body: "+err.Error())
		return
	}

	p, err := h.opener.Open(r.Context(), sig)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, signalResponse{Position: p})
	case errors.Is(err, domain.ErrAlreadyExists):
		writeJSON(w, http.StatusOK, signalResponse{Position: p, Duplicate: true})
	case errors.Is(err, domain.ErrInvalidOrder):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "open from signal failed",
			slog.String("symbol", sig.Symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to open position")
	}
}
