package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/powercast/powercast/internal/config"
	"github.com/powercast/powercast/internal/contextengine"
	"github.com/powercast/powercast/internal/eventlog"
	"github.com/powercast/powercast/internal/metrics"
	"github.com/powercast/powercast/internal/observer"
	"github.com/powercast/powercast/internal/reasoning"
	"github.com/powercast/powercast/internal/rules"
)

// ObservationStore marks forecast events as observed.
type ObservationStore interface {
	MarkObserved(ctx context.Context, id string, at time.Time) error
}

// AnalysisHandler serves the write side of the learning loop: observing
// actuals, running reasoning over detected errors, and recording outcomes.
type AnalysisHandler struct {
	events       *eventlog.Logger
	errors       ErrorStore
	observations ObservationStore
	observer     *observer.Observer
	contextEng   *contextengine.Engine
	gateway      *reasoning.Gateway
	engine       *rules.Engine
	metrics      *metrics.Collector
	cfg          config.LearningConfig
	clock        clockwork.Clock
	logger       *slog.Logger
}

// NewAnalysisHandler creates the write-side handler. collector may be nil.
func NewAnalysisHandler(events *eventlog.Logger, errors ErrorStore, observations ObservationStore, obs *observer.Observer, contextEng *contextengine.Engine, gateway *reasoning.Gateway, engine *rules.Engine, collector *metrics.Collector, cfg config.LearningConfig, clock clockwork.Clock, logger *slog.Logger) *AnalysisHandler {
	return &AnalysisHandler{
		events:       events,
		errors:       errors,
		observations: observations,
		observer:     obs,
		contextEng:   contextEng,
		gateway:      gateway,
		engine:       engine,
		metrics:      collector,
		cfg:          cfg,
		clock:        clock,
		logger:       logger,
	}
}

// ObserveRequest carries the actual load values for an elapsed forecast.
type ObserveRequest struct {
	Actuals []float64 `json:"actuals"`
}

// ObserveForecastHandler handles POST /api/learning/forecasts/:id/observe
func (h *AnalysisHandler) ObserveForecastHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := pathSegment(r.URL.Path, "/api/learning/forecasts/")
	if id == "" {
		http.Error(w, "Missing forecast id", http.StatusBadRequest)
		return
	}

	var req ObserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Actuals) == 0 {
		http.Error(w, "No actuals provided", http.StatusBadRequest)
		return
	}

	event, err := h.events.GetByID(r.Context(), id)
	if err != nil {
		http.Error(w, "Forecast not found", http.StatusNotFound)
		return
	}

	detected := h.observer.Analyze(r.Context(), event.ID, event.Predictions, req.Actuals)
	for _, d := range detected {
		if h.metrics != nil {
			h.metrics.ErrorDetected(string(d.ErrorType), string(d.Severity))
		}
	}

	if err := h.observations.MarkObserved(r.Context(), event.ID, h.clock.Now().UTC()); err != nil {
		h.logger.Error("failed to mark forecast observed", "forecast_event_id", event.ID, "error", err)
	}

	writeJSON(w, h.logger, map[string]interface{}{
		"forecast_event_id": event.ID,
		"errors_detected":   detected,
		"count":             len(detected),
	})
}

// AnalyzeErrorResponse is the result of an on-demand error analysis.
type AnalyzeErrorResponse struct {
	ForecastErrorID string                   `json:"forecast_error_id"`
	SnapshotID      string                   `json:"snapshot_id"`
	LessonID        string                   `json:"lesson_id,omitempty"`
	Analysis        reasoning.AnalysisResult `json:"analysis"`
}

// AnalyzeErrorHandler handles POST /api/learning/analyze-error/:id. It runs
// the full pipeline for one detected error: snapshot the context, retrieve
// similar failures, reason about the cause, and store the resulting lesson.
func (h *AnalysisHandler) AnalyzeErrorHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := pathSegment(r.URL.Path, "/api/learning/analyze-error/")
	if id == "" {
		http.Error(w, "Missing error id", http.StatusBadRequest)
		return
	}

	fErr, err := h.errors.GetByID(r.Context(), id)
	if err != nil {
		http.Error(w, "Forecast error not found", http.StatusNotFound)
		return
	}

	event, err := h.events.GetByID(r.Context(), fErr.ForecastEventID)
	if err != nil {
		http.Error(w, "Forecast not found", http.StatusNotFound)
		return
	}

	windowStart, windowEnd := observer.Window(event)
	snapshot, err := h.contextEng.CreateSnapshot(r.Context(), fErr.ID, event.RegionCode, windowStart, windowEnd)
	if err != nil {
		h.logger.Error("failed to create context snapshot", "forecast_error_id", fErr.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	similar, err := h.contextEng.FindSimilar(r.Context(), contextengine.ContextText(snapshot), event.RegionCode, h.cfg.RetrievalLimit, h.cfg.MinSimilarity)
	if err != nil {
		h.logger.Warn("similarity retrieval failed, analyzing without precedent", "error", err)
		if h.metrics != nil {
			h.metrics.RetrievalFailure()
		}
	}

	result := h.gateway.AnalyzeError(r.Context(), reasoning.AnalysisRequest{
		ErrorType:      fErr.ErrorType,
		Severity:       fErr.Severity,
		RegionCode:     event.RegionCode,
		ErrorTime:      fErr.ObservedAt,
		MAPE:           fErr.MAPE,
		PeakErrorMW:    fErr.PeakErrorMW,
		RampErrorMWH:   fErr.RampErrorMWPerHour,
		ContextSummary: snapshot.Summary,
		WeatherContext: snapshot.WeatherContext,
		GridNotices:    snapshot.GridNotices,
		EventContext:   snapshot.EventContext,
		SimilarErrors:  similar,
	})

	resp := AnalyzeErrorResponse{
		ForecastErrorID: fErr.ID,
		SnapshotID:      snapshot.ID,
		Analysis:        result,
	}

	lessonID, err := h.gateway.StoreLesson(r.Context(), snapshot.ID, result)
	if err != nil {
		h.logger.Error("failed to store lesson", "snapshot_id", snapshot.ID, "error", err)
	} else {
		resp.LessonID = lessonID
		if h.metrics != nil {
			h.metrics.LessonStored()
		}
	}

	if err := h.errors.MarkAnalysisCompleted(r.Context(), fErr.ID, h.clock.Now().UTC()); err != nil {
		h.logger.Error("failed to mark analysis completed", "forecast_error_id", fErr.ID, "error", err)
	}

	writeJSON(w, h.logger, resp)
}

// OutcomeRequest records whether an applied rule helped.
type OutcomeRequest struct {
	WasBeneficial bool    `json:"was_beneficial"`
	BenefitScore  float64 `json:"benefit_score"`
}

// RecordOutcomeHandler handles POST /api/learning/applications/:id/outcome
func (h *AnalysisHandler) RecordOutcomeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimSuffix(r.URL.Path, "/outcome")
	id := pathSegment(path, "/api/learning/applications/")
	if id == "" {
		http.Error(w, "Missing application id", http.StatusBadRequest)
		return
	}

	var req OutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.engine.UpdateOutcome(r.Context(), id, req.WasBeneficial, req.BenefitScore); err != nil {
		h.logger.Error("failed to record outcome", "application_id", id, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, map[string]interface{}{
		"application_id": id,
		"recorded":       true,
	})
}
