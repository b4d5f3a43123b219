package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/powercast/powercast/internal/adjuster"
	"github.com/powercast/powercast/internal/metrics"
)

// AdjustHandler serves the forecast adjustment endpoint. This is the hot
// path: forecasting services call it with a raw model forecast and receive
// the adjusted series back.
type AdjustHandler struct {
	adjuster *adjuster.Adjuster
	metrics  *metrics.Collector
	logger   *slog.Logger
}

// NewAdjustHandler creates the adjustment handler. collector may be nil.
func NewAdjustHandler(adj *adjuster.Adjuster, collector *metrics.Collector, logger *slog.Logger) *AdjustHandler {
	return &AdjustHandler{adjuster: adj, metrics: collector, logger: logger}
}

// AdjustForecastHandler handles POST /api/forecasts/adjust
func (h *AdjustHandler) AdjustForecastHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req adjuster.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.RegionCode == "" {
		http.Error(w, "Missing region_code", http.StatusBadRequest)
		return
	}
	if req.ForecastStart.IsZero() {
		http.Error(w, "Missing forecast_start", http.StatusBadRequest)
		return
	}

	resp := h.adjuster.Adjust(r.Context(), req)

	if h.metrics != nil {
		if resp.ForecastEventID != "" {
			h.metrics.ForecastLogged()
		}
		if resp.Metadata.Adjusted {
			h.metrics.AdjustmentApplied(resp.Metadata.TotalAdjustmentPct)
		}
	}

	writeJSON(w, h.logger, resp)
}
