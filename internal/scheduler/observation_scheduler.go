// Package scheduler runs the background observation loop that closes the
// learning cycle: once a forecast's horizon has elapsed, fetch the actuals
// and hand the pair to the error observer.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/powercast/powercast/internal/config"
	"github.com/powercast/powercast/internal/eventlog"
	"github.com/powercast/powercast/internal/metrics"
	"github.com/powercast/powercast/internal/models"
	"github.com/powercast/powercast/internal/observer"
)

// ActualsSource provides observed load values for a region and window.
type ActualsSource interface {
	Actuals(ctx context.Context, regionCode string, start time.Time, steps int) ([]float64, error)
}

// EventSource lists forecasts awaiting observation and marks them done.
type EventSource interface {
	Unobserved(ctx context.Context, cutoff time.Time, limit int) ([]models.ForecastEvent, error)
	MarkObserved(ctx context.Context, id string, at time.Time) error
}

// ObservationScheduler periodically observes elapsed forecasts.
type ObservationScheduler struct {
	events   EventSource
	actuals  ActualsSource
	observer *observer.Observer
	eventLog *eventlog.Logger
	metrics  *metrics.Collector
	cfg      config.LearningConfig
	clock    clockwork.Clock
	logger   *slog.Logger
	stopChan chan struct{}
}

// NewObservationScheduler creates an observation scheduler. eventLog and
// collector may be nil.
func NewObservationScheduler(events EventSource, actuals ActualsSource, obs *observer.Observer, eventLog *eventlog.Logger, collector *metrics.Collector, cfg config.LearningConfig, clock clockwork.Clock, logger *slog.Logger) *ObservationScheduler {
	return &ObservationScheduler{
		events:   events,
		actuals:  actuals,
		observer: obs,
		eventLog: eventLog,
		metrics:  collector,
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start begins the scheduler loop. Returns immediately when learning is
// disabled.
func (s *ObservationScheduler) Start(ctx context.Context) {
	if !s.cfg.LearningEnabled {
		s.logger.Info("learning disabled, observation scheduler not starting")
		return
	}

	s.logger.Info("starting observation scheduler", "interval", s.cfg.ObservationInterval)
	ticker := s.clock.NewTicker(s.cfg.ObservationInterval)
	defer ticker.Stop()

	// Run once immediately on start
	s.ObserveElapsed(ctx)

	for {
		select {
		case <-ticker.Chan():
			s.ObserveElapsed(ctx)
		case <-s.stopChan:
			s.logger.Info("observation scheduler stopped")
			return
		case <-ctx.Done():
			s.logger.Info("observation scheduler stopping due to context cancellation")
			return
		}
	}
}

// Stop stops the scheduler.
func (s *ObservationScheduler) Stop() {
	close(s.stopChan)
}

// ObserveElapsed runs one observation pass: every forecast whose horizon has
// fully elapsed gets its actuals fetched and analyzed. Returns the number of
// forecasts observed.
func (s *ObservationScheduler) ObserveElapsed(ctx context.Context) int {
	now := s.clock.Now().UTC()

	if s.eventLog != nil {
		s.eventLog.Flush(ctx)
		if s.metrics != nil {
			s.metrics.SetBufferedEvents(s.eventLog.BufferedCount())
		}
	}

	events, err := s.events.Unobserved(ctx, now, 50)
	if err != nil {
		s.logger.Error("failed to list unobserved forecasts", "error", err)
		return 0
	}
	if len(events) == 0 {
		return 0
	}

	observed := 0
	for i := range events {
		event := &events[i]

		actuals, err := s.actuals.Actuals(ctx, event.RegionCode, event.ForecastStart, len(event.Predictions.Point))
		if err != nil {
			s.logger.Warn("actuals not yet available",
				"forecast_event_id", event.ID,
				"region", event.RegionCode,
				"error", err)
			continue
		}

		errors := s.observer.Analyze(ctx, event.ID, event.Predictions, actuals)
		if err := s.events.MarkObserved(ctx, event.ID, now); err != nil {
			s.logger.Error("failed to mark forecast observed", "forecast_event_id", event.ID, "error", err)
			continue
		}

		s.logger.Info("observed forecast",
			"forecast_event_id", event.ID,
			"region", event.RegionCode,
			"errors_detected", len(errors))
		observed++
	}

	return observed
}
