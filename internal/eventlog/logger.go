// Package eventlog records every served forecast as an immutable event.
// Logging sits on the serving path, so it never returns an error: when the
// database is unavailable, events land in a bounded in-memory buffer that is
// drained by Flush once persistence recovers.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/powercast/powercast/internal/models"
)

// EventRepository is the persistence contract the logger writes through.
type EventRepository interface {
	Create(ctx context.Context, event *models.ForecastEvent) error
	GetByID(ctx context.Context, id string) (*models.ForecastEvent, error)
	Recent(ctx context.Context, regionCode string, limit int) ([]models.ForecastEvent, error)
}

// Logger is the forecast event logger.
type Logger struct {
	repo   EventRepository
	clock  clockwork.Clock
	logger *slog.Logger

	mu        sync.Mutex
	fallback  []*models.ForecastEvent
	maxBuffer int
}

// New constructs a Logger. maxBuffer caps the in-memory fallback; when full,
// the oldest buffered event is dropped.
func New(repo EventRepository, maxBuffer int, clock clockwork.Clock, logger *slog.Logger) *Logger {
	if maxBuffer <= 0 {
		maxBuffer = 1000
	}
	return &Logger{
		repo:      repo,
		clock:     clock,
		logger:    logger,
		maxBuffer: maxBuffer,
	}
}

// Log records a served forecast and returns its id. It never fails: on
// persistence errors the event is buffered locally and the locally generated
// id is still returned.
func (l *Logger) Log(ctx context.Context, regionCode, modelVersion string, forecastStart time.Time, horizonHours int, predictions models.PredictionSeries, inputFeatures map[string]float64, metadata map[string]interface{}) string {
	now := l.clock.Now().UTC()
	id := fmt.Sprintf("fc_%s_%s_%s", regionCode, now.Format("20060102_150405"), uuid.New().String()[:8])

	event := &models.ForecastEvent{
		ID:            id,
		RegionCode:    regionCode,
		ModelVersion:  modelVersion,
		ForecastStart: forecastStart,
		HorizonHours:  horizonHours,
		Predictions:   predictions,
		InputFeatures: inputFeatures,
		Metadata:      metadata,
		CreatedAt:     now,
	}

	if l.repo != nil {
		if err := l.repo.Create(ctx, event); err != nil {
			l.logger.Error("failed to persist forecast event, buffering", "forecast_id", id, "error", err)
			l.buffer(event)
		}
	} else {
		l.buffer(event)
	}

	return id
}

// Flush retries persisting buffered events, keeping whatever still fails.
// Returns the number of events persisted.
func (l *Logger) Flush(ctx context.Context) int {
	if l.repo == nil {
		return 0
	}

	l.mu.Lock()
	pending := l.fallback
	l.fallback = nil
	l.mu.Unlock()

	flushed := 0
	var remaining []*models.ForecastEvent
	for _, event := range pending {
		if err := l.repo.Create(ctx, event); err != nil {
			remaining = append(remaining, event)
			continue
		}
		flushed++
	}

	if len(remaining) > 0 {
		l.mu.Lock()
		// events logged while flushing stay newest
		l.fallback = append(remaining, l.fallback...)
		l.trimLocked()
		l.mu.Unlock()
	}

	if flushed > 0 {
		l.logger.Info("flushed buffered forecast events", "count", flushed, "remaining", len(remaining))
	}
	return flushed
}

// GetByID reads a forecast event, consulting the fallback buffer when the
// database misses or is unavailable.
func (l *Logger) GetByID(ctx context.Context, id string) (*models.ForecastEvent, error) {
	if l.repo != nil {
		event, err := l.repo.GetByID(ctx, id)
		if err == nil {
			return event, nil
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, event := range l.fallback {
		if event.ID == id {
			return event, nil
		}
	}

	return nil, fmt.Errorf("forecast event %s not found", id)
}

// Recent returns the newest events for a region, merging buffered events when
// the database is unavailable.
func (l *Logger) Recent(ctx context.Context, regionCode string, limit int) ([]models.ForecastEvent, error) {
	if l.repo != nil {
		events, err := l.repo.Recent(ctx, regionCode, limit)
		if err == nil {
			return events, nil
		}
		l.logger.Error("failed to query recent forecasts, serving fallback buffer", "error", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var events []models.ForecastEvent
	for i := len(l.fallback) - 1; i >= 0 && len(events) < limit; i-- {
		if l.fallback[i].RegionCode == regionCode {
			events = append(events, *l.fallback[i])
		}
	}
	return events, nil
}

// BufferedCount reports the current fallback buffer depth.
func (l *Logger) BufferedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fallback)
}

func (l *Logger) buffer(event *models.ForecastEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fallback = append(l.fallback, event)
	l.trimLocked()
}

func (l *Logger) trimLocked() {
	if len(l.fallback) > l.maxBuffer {
		l.fallback = l.fallback[len(l.fallback)-l.maxBuffer:]
	}
}
