package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"log/slog"

	"github.com/powercast/powercast/internal/adjuster"
	"github.com/powercast/powercast/internal/api"
	"github.com/powercast/powercast/internal/auth"
	"github.com/powercast/powercast/internal/cloudsql"
	"github.com/powercast/powercast/internal/config"
	"github.com/powercast/powercast/internal/contextengine"
	"github.com/powercast/powercast/internal/database"
	"github.com/powercast/powercast/internal/embedding"
	"github.com/powercast/powercast/internal/eventlog"
	"github.com/powercast/powercast/internal/logging"
	"github.com/powercast/powercast/internal/metrics"
	"github.com/powercast/powercast/internal/observer"
	"github.com/powercast/powercast/internal/reasoning"
	"github.com/powercast/powercast/internal/rules"
	"github.com/powercast/powercast/internal/scheduler"
	"github.com/powercast/powercast/internal/server"
	"github.com/powercast/powercast/internal/weather"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to init logger", "error", err)
		os.Exit(1)
	}

	logger.Info("starting powercast learning service")

	// Connect to database (supports both local DATABASE_URL and Cloud SQL)
	dbURL, err := cloudsql.BuildDatabaseURL()
	if err != nil {
		logger.Error("failed to build database URL", "error", err)
		os.Exit(1)
	}

	logger.Info("database configuration", "config", cloudsql.GetConnectionConfig())

	ctx := context.Background()
	db, err := database.Connect(ctx, database.Config{
		URL:                dbURL,
		MaxConnections:     cfg.Database.MaxConnections,
		MaxIdleConnections: cfg.Database.MaxIdleConnections,
		ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
		ConnectTimeout:     cfg.Database.ConnectTimeout,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("database connected")

	// Run pending migrations (non-fatal to allow app to start even if migrations fail)
	if err := database.RunMigrations(db, "./migrations", logger); err != nil {
		logger.Warn("failed to run migrations, continuing anyway", "error", err)
	}

	// Create repositories
	eventRepo := database.NewForecastEventRepository(db)
	errorRepo := database.NewForecastErrorRepository(db)
	snapshotRepo := database.NewSnapshotRepository(db)
	lessonRepo := database.NewLessonRepository(db)
	applicationRepo := database.NewRuleApplicationRepository(db)

	clock := clockwork.NewRealClock()

	collector, err := metrics.NewCollector()
	if err != nil {
		logger.Error("failed to init metrics", "error", err)
		os.Exit(1)
	}

	// Forecast event logger with in-memory fallback buffer
	eventLog := eventlog.New(eventRepo, cfg.Learning.FallbackBufferSize, clock, logger)

	// Weather provider degrades to simulated data without an API key
	weatherProvider := weather.NewClient(cfg.Weather, clock, logger)

	// Embedding and reasoning providers are optional; the pipeline degrades
	// to non-vectorized snapshots and fallback rules without them
	var embedder embedding.Embedder
	if e, err := embedding.NewOpenAIEmbedder(cfg.OpenAI, logger); err != nil {
		logger.Warn("embedding provider unavailable, snapshots will not be vectorized", "error", err)
	} else {
		embedder = e
	}

	var provider reasoning.Provider
	if p, err := reasoning.NewOpenAIProvider(cfg.OpenAI, logger); err != nil {
		logger.Warn("reasoning provider unavailable, using fallback rules", "error", err)
	} else {
		provider = p
	}

	contextEng := contextengine.New(snapshotRepo, weatherProvider, embedder, cfg.Learning, clock, logger)
	gateway := reasoning.NewGateway(provider, lessonRepo, cfg.OpenAI.MaxRetries, cfg.Learning.MaxAdjustmentPct, logger)
	gateway.OnFallback = collector.ReasoningFallback

	ruleEngine := rules.New(lessonRepo, applicationRepo, cfg.Learning, clock, logger)
	obs := observer.New(cfg.Learning, errorRepo, clock, logger)
	adj := adjuster.New(eventLog, contextEng, ruleEngine, cfg.Learning, clock, logger)

	// Background observation loop
	actualsSource := scheduler.NewHTTPActualsSource(os.Getenv("TELEMETRY_BASE_URL"), cfg.Weather.Timeout, logger)
	observationScheduler := scheduler.NewObservationScheduler(eventRepo, actualsSource, obs, eventLog, collector, cfg.Learning, clock, logger)

	schedulerCtx, cancelScheduler := context.WithCancel(ctx)
	defer cancelScheduler()
	go observationScheduler.Start(schedulerCtx)

	// Setup HTTP routes
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("/api/info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"service":"powercast-learning","status":"ready","version":"0.1.0"}`))
	})

	mux.Handle("/metrics", collector.Handler())

	// Load auth configuration
	authConfig := auth.LoadConfigFromEnv()
	logger.Info("auth configured", "jwt_secret_set", authConfig.JWTSecret != "change-this-secret")

	logger.Info("setting up REST API")
	api.SetupRoutes(mux, eventLog, errorRepo, eventRepo, applicationRepo, obs, contextEng, gateway, ruleEngine, adj, collector, cfg.Learning, authConfig, clock, logger)

	srv := server.New(cfg.Server, logger, collector.InstrumentHandler(mux))

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errChan:
		if err != nil {
			logger.Error("server error", "error", err)
		}
	}

	// Flush any buffered forecast events before exit
	observationScheduler.Stop()
	cancelScheduler()
	if n := eventLog.Flush(ctx); n > 0 {
		logger.Info("flushed buffered forecast events", "count", n)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("powercast learning service stopped")
}
