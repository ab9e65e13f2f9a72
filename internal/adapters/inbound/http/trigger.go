package http

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/archon-research/stl/stl-trade/internal/ports/inbound"
)

// TriggerHandler runs a batch pass per /price_update request. The response
// only says whether the pass ran; per-account results go to the outcome
// publisher and the logs.
type TriggerHandler struct {
	runner       inbound.BatchRunner
	defaultVenue string
	logger       *slog.Logger
}

// NewTriggerHandler creates the trigger handler. Requests without a venue
// query parameter run against defaultVenue.
func NewTriggerHandler(runner inbound.BatchRunner, defaultVenue string, logger *slog.Logger) *TriggerHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TriggerHandler{
		runner:       runner,
		defaultVenue: defaultVenue,
		logger:       logger.With("component", "trigger-handler"),
	}
}

// RegisterRoutes registers the trigger route with the given mux.
func (h *TriggerHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /price_update", h.PriceUpdate)
}

// PriceUpdate runs one pass and answers 200, or 500 with the error message.
func (h *TriggerHandler) PriceUpdate(w http.ResponseWriter, r *http.Request) {
	venue := strings.TrimSpace(r.URL.Query().Get("venue"))
	if venue == "" {
		venue = h.defaultVenue
	}

	start := time.Now()
	if err := h.runner.Run(r.Context(), venue); err != nil {
		h.logger.Error("triggered pass failed", "venue", venue, "error", err)
		respondJSON(w, h.logger, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	h.logger.Info("triggered pass complete", "venue", venue, "duration", time.Since(start))
	respondJSON(w, h.logger, http.StatusOK, map[string]string{"status": "ok", "venue": venue})
}
