// Package api exposes the learning loop over HTTP: forecast adjustment,
// observation, error analysis, and read endpoints for operators.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/powercast/powercast/internal/adjuster"
	"github.com/powercast/powercast/internal/contextengine"
	"github.com/powercast/powercast/internal/eventlog"
	"github.com/powercast/powercast/internal/models"
	"github.com/powercast/powercast/internal/reasoning"
	"github.com/powercast/powercast/internal/rules"
)

// ErrorStore is the forecast error surface the handlers need.
type ErrorStore interface {
	GetByID(ctx context.Context, id string) (*models.ForecastError, error)
	Recent(ctx context.Context, limit int) ([]models.ForecastError, error)
	PendingAnalysis(ctx context.Context, limit int) ([]models.ForecastError, error)
	MarkAnalysisCompleted(ctx context.Context, id string, at time.Time) error
}

// ApplicationStore lists rule applications for explainability queries.
type ApplicationStore interface {
	ByForecastEvent(ctx context.Context, forecastEventID string) ([]models.RuleApplication, error)
}

// LearningHandler serves the read side of the learning loop.
type LearningHandler struct {
	events       *eventlog.Logger
	errors       ErrorStore
	applications ApplicationStore
	engine       *rules.Engine
	contextEng   *contextengine.Engine
	gateway      *reasoning.Gateway
	adjuster     *adjuster.Adjuster
	logger       *slog.Logger
}

// NewLearningHandler creates the read-side handler.
func NewLearningHandler(events *eventlog.Logger, errors ErrorStore, applications ApplicationStore, engine *rules.Engine, contextEng *contextengine.Engine, gateway *reasoning.Gateway, adj *adjuster.Adjuster, logger *slog.Logger) *LearningHandler {
	return &LearningHandler{
		events:       events,
		errors:       errors,
		applications: applications,
		engine:       engine,
		contextEng:   contextEng,
		gateway:      gateway,
		adjuster:     adj,
		logger:       logger,
	}
}

// GetForecastsHandler handles GET /api/learning/forecasts
func (h *LearningHandler) GetForecastsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	regionCode := r.URL.Query().Get("region")
	limit := parseLimit(r, 50)

	forecasts, err := h.events.Recent(r.Context(), regionCode, limit)
	if err != nil {
		h.logger.Error("failed to list forecasts", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, map[string]interface{}{
		"forecasts": forecasts,
		"count":     len(forecasts),
	})
}

// GetForecastHandler handles GET /api/learning/forecasts/:id
func (h *LearningHandler) GetForecastHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := pathSegment(r.URL.Path, "/api/learning/forecasts/")
	if id == "" {
		http.Error(w, "Missing forecast id", http.StatusBadRequest)
		return
	}

	event, err := h.events.GetByID(r.Context(), id)
	if err != nil {
		http.Error(w, "Forecast not found", http.StatusNotFound)
		return
	}

	writeJSON(w, h.logger, event)
}

// GetErrorsHandler handles GET /api/learning/errors
func (h *LearningHandler) GetErrorsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := parseLimit(r, 50)

	errors, err := h.errors.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list forecast errors", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, map[string]interface{}{
		"errors": errors,
		"count":  len(errors),
	})
}

// GetPendingAnalysisHandler handles GET /api/learning/pending-analysis
func (h *LearningHandler) GetPendingAnalysisHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := parseLimit(r, 20)

	pending, err := h.errors.PendingAnalysis(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list pending analysis", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, map[string]interface{}{
		"pending": pending,
		"count":   len(pending),
	})
}

// GetRulesHandler handles GET /api/learning/rules
func (h *LearningHandler) GetRulesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	lessons, err := h.engine.ActiveRulesSummary(r.Context())
	if err != nil {
		h.logger.Error("failed to list active rules", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, map[string]interface{}{
		"rules": lessons,
		"count": len(lessons),
	})
}

// ExplainForecastHandler handles GET /api/learning/explain/:forecastEventID.
// It returns every rule application recorded for the forecast so an operator
// can see exactly why the served numbers differ from the model output.
func (h *LearningHandler) ExplainForecastHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := pathSegment(r.URL.Path, "/api/learning/explain/")
	if id == "" {
		http.Error(w, "Missing forecast event id", http.StatusBadRequest)
		return
	}

	applications, err := h.applications.ByForecastEvent(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to load rule applications", "forecast_event_id", id, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, map[string]interface{}{
		"forecast_event_id": id,
		"applications":      applications,
		"count":             len(applications),
	})
}

// HealthHandler handles GET /api/learning/health
func (h *LearningHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	components := map[string]bool{
		"event_logger":   h.events != nil,
		"context_engine": h.contextEng != nil && h.contextEng.Healthy(),
		"reasoning":      h.gateway != nil && h.gateway.Healthy(),
		"adjuster":       h.adjuster != nil && h.adjuster.Healthy(),
	}

	status := "healthy"
	for _, ok := range components {
		if !ok {
			status = "degraded"
			break
		}
	}

	writeJSON(w, h.logger, map[string]interface{}{
		"status":          status,
		"components":      components,
		"buffered_events": h.events.BufferedCount(),
	})
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > 500 {
		return fallback
	}
	return limit
}

// pathSegment returns the first path segment after prefix, or "".
func pathSegment(path, prefix string) string {
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return ""
	}
	rest := path[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i]
		}
	}
	return rest
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}
