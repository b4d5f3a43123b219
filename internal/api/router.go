package api

import (
	"net/http"
	"strings"

	"github.com/jonboulle/clockwork"
	"log/slog"

	"github.com/powercast/powercast/internal/adjuster"
	"github.com/powercast/powercast/internal/auth"
	"github.com/powercast/powercast/internal/config"
	"github.com/powercast/powercast/internal/contextengine"
	"github.com/powercast/powercast/internal/eventlog"
	"github.com/powercast/powercast/internal/metrics"
	"github.com/powercast/powercast/internal/observer"
	"github.com/powercast/powercast/internal/reasoning"
	"github.com/powercast/powercast/internal/rules"
)

// SetupRoutes configures all API routes
func SetupRoutes(mux *http.ServeMux, events *eventlog.Logger, errors ErrorStore, observations ObservationStore, applications ApplicationStore, obs *observer.Observer, contextEng *contextengine.Engine, gateway *reasoning.Gateway, engine *rules.Engine, adj *adjuster.Adjuster, collector *metrics.Collector, cfg config.LearningConfig, authConfig auth.Config, clock clockwork.Clock, logger *slog.Logger) {
	learningHandler := NewLearningHandler(events, errors, applications, engine, contextEng, gateway, adj, logger)
	analysisHandler := NewAnalysisHandler(events, errors, observations, obs, contextEng, gateway, engine, collector, cfg, clock, logger)
	adjustHandler := NewAdjustHandler(adj, collector, logger)
	authHandler := NewAuthHandler(authConfig, logger)

	// Auth middleware
	authMiddleware := auth.AuthMiddleware(authConfig)

	// Authentication routes (public)
	mux.HandleFunc("/api/auth/login", authHandler.Login)
	mux.HandleFunc("/api/auth/validate", func(w http.ResponseWriter, r *http.Request) {
		authMiddleware(http.HandlerFunc(authHandler.ValidateToken)).ServeHTTP(w, r)
	})

	// Forecast adjustment (hot path, called by forecasting services)
	mux.HandleFunc("/api/forecasts/adjust", adjustHandler.AdjustForecastHandler)

	// Learning loop read routes (public)
	mux.HandleFunc("/api/learning/health", learningHandler.HealthHandler)
	mux.HandleFunc("/api/learning/forecasts", learningHandler.GetForecastsHandler)
	mux.HandleFunc("/api/learning/forecasts/", func(w http.ResponseWriter, r *http.Request) {
		// Handle POST /api/learning/forecasts/:id/observe (requires auth)
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/observe") {
			authMiddleware(http.HandlerFunc(analysisHandler.ObserveForecastHandler)).ServeHTTP(w, r)
			return
		}
		// Otherwise handle as get by ID (public)
		learningHandler.GetForecastHandler(w, r)
	})
	mux.HandleFunc("/api/learning/errors", learningHandler.GetErrorsHandler)
	mux.HandleFunc("/api/learning/pending-analysis", learningHandler.GetPendingAnalysisHandler)
	mux.HandleFunc("/api/learning/rules", learningHandler.GetRulesHandler)
	mux.HandleFunc("/api/learning/explain/", learningHandler.ExplainForecastHandler)

	// Analysis routes (operator only)
	mux.HandleFunc("/api/learning/analyze-error/", func(w http.ResponseWriter, r *http.Request) {
		authMiddleware(http.HandlerFunc(analysisHandler.AnalyzeErrorHandler)).ServeHTTP(w, r)
	})
	mux.HandleFunc("/api/learning/applications/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/outcome") {
			authMiddleware(http.HandlerFunc(analysisHandler.RecordOutcomeHandler)).ServeHTTP(w, r)
			return
		}
		http.Error(w, "Not found", http.StatusNotFound)
	})

	// Fallthrough for unknown API paths
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
}
