// Package contextengine captures the conditions surrounding forecast errors
// and retrieves similar historical situations by vector similarity. It is the
// retrieval half of the learning loop: snapshots go in when errors are
// analyzed, precedents come out before forecasts are served.
package contextengine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/powercast/powercast/internal/config"
	"github.com/powercast/powercast/internal/embedding"
	"github.com/powercast/powercast/internal/models"
	"github.com/powercast/powercast/internal/weather"
)

// SnapshotStore persists context snapshots and answers similarity queries.
type SnapshotStore interface {
	Create(ctx context.Context, snapshot *models.ContextSnapshot) error
	FindSimilar(ctx context.Context, embedding []float32, regionCode string, limit int, minSimilarity float64) ([]models.SimilarContext, error)
}

// Engine builds context snapshots and retrieves similar historical contexts.
type Engine struct {
	store    SnapshotStore
	weather  weather.Provider
	embedder embedding.Embedder
	cfg      config.LearningConfig
	clock    clockwork.Clock
	logger   *slog.Logger
}

// New constructs a context engine. weather and embedder may be nil; the
// engine degrades (empty weather context, no embedding) rather than failing.
func New(store SnapshotStore, wp weather.Provider, emb embedding.Embedder, cfg config.LearningConfig, clock clockwork.Clock, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		weather:  wp,
		embedder: emb,
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
	}
}

// CreateSnapshot captures weather, grid and calendar context for a forecast
// error's time window, embeds it, and persists it. Weather and embedding
// failures degrade the snapshot instead of failing the call; only a
// persistence failure returns an error.
func (e *Engine) CreateSnapshot(ctx context.Context, forecastErrorID, regionCode string, windowStart, windowEnd time.Time) (*models.ContextSnapshot, error) {
	snapshot := &models.ContextSnapshot{
		ForecastErrorID: forecastErrorID,
		RegionCode:      regionCode,
		WindowStart:     windowStart,
		WindowEnd:       windowEnd,
		WeatherContext:  e.weatherContext(ctx, regionCode),
		EventContext:    CalendarContext(windowStart),
		CreatedAt:       e.clock.Now().UTC(),
	}
	snapshot.Summary = Summarize(snapshot)

	if e.embedder != nil {
		vector, err := e.embedder.Embed(ctx, ContextText(snapshot))
		if err != nil {
			e.logger.Warn("embedding failed, snapshot will not be retrievable", "forecast_error_id", forecastErrorID, "error", err)
		} else {
			snapshot.Embedding = vector
		}
	}

	if err := e.store.Create(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("failed to store context snapshot: %w", err)
	}

	e.logger.Info("created context snapshot",
		"forecast_error_id", forecastErrorID,
		"region", regionCode,
		"embedded", len(snapshot.Embedding) > 0)
	return snapshot, nil
}

// FindSimilar retrieves historical contexts similar to the query text.
// Returns an empty slice when the embedder is unavailable.
func (e *Engine) FindSimilar(ctx context.Context, queryText, regionCode string, limit int, minSimilarity float64) ([]models.SimilarContext, error) {
	if e.embedder == nil {
		return nil, nil
	}

	vector, err := e.embedder.Embed(ctx, queryText)
	if err != nil {
		e.logger.Warn("query embedding failed", "error", err)
		return nil, nil
	}

	return e.store.FindSimilar(ctx, vector, regionCode, limit, minSimilarity)
}

// FindApplicableLessons retrieves lessons relevant to the current conditions
// of a region. Called on the pre-serving path, so it uses the configured
// retrieval limit and similarity floor.
func (e *Engine) FindApplicableLessons(ctx context.Context, regionCode string, at time.Time) ([]models.SimilarContext, error) {
	w := e.weatherContext(ctx, regionCode)
	event := CalendarContext(at)

	parts := []string{fmt.Sprintf("Region: %s", regionCode)}
	if w.Condition != "" {
		parts = append(parts, fmt.Sprintf("Weather: %s", w.Condition))
		parts = append(parts, fmt.Sprintf("Temperature: %.1f°C", w.Temperature))
	}
	if event.IsWeekend {
		parts = append(parts, "Weekend")
	}
	if len(event.Holidays) > 0 {
		parts = append(parts, fmt.Sprintf("Holidays: %s", strings.Join(event.Holidays, ", ")))
	}

	return e.FindSimilar(ctx, strings.Join(parts, ". "), regionCode, e.cfg.RetrievalLimit, e.cfg.MinSimilarity)
}

// Healthy reports whether the engine can both embed and retrieve.
func (e *Engine) Healthy() bool {
	return e.store != nil && e.embedder != nil
}

func (e *Engine) weatherContext(ctx context.Context, regionCode string) models.WeatherContext {
	if e.weather == nil {
		return models.WeatherContext{}
	}

	coords := weather.RegionCoordinates(regionCode)
	w, err := e.weather.Current(ctx, coords.Lat, coords.Lon)
	if err != nil {
		e.logger.Warn("weather unavailable for snapshot", "region", regionCode, "error", err)
		return models.WeatherContext{}
	}
	return w
}

var holidays = map[[2]int]string{
	{1, 1}:   "New Year",
	{8, 15}:  "Independence Day (India)",
	{12, 25}: "Christmas",
}

// CalendarContext derives calendar facts for a point in time.
func CalendarContext(t time.Time) models.EventContext {
	event := models.EventContext{
		IsWeekend: t.Weekday() == time.Saturday || t.Weekday() == time.Sunday,
		DayOfWeek: t.Weekday().String(),
		HourOfDay: t.Hour(),
	}
	if name, ok := holidays[[2]int{int(t.Month()), t.Day()}]; ok {
		event.Holidays = append(event.Holidays, name)
	}
	return event
}

// ContextText renders a snapshot as the text that gets embedded.
func ContextText(s *models.ContextSnapshot) string {
	parts := []string{fmt.Sprintf("Region: %s", s.RegionCode)}

	if s.WeatherContext.Condition != "" {
		w := s.WeatherContext
		parts = append(parts, fmt.Sprintf("Weather: %s, temp=%.1f°C, humidity=%.0f%%, wind=%.1f m/s",
			w.Condition, w.Temperature, w.Humidity, w.WindSpeed))
	}

	for i, notice := range s.GridNotices {
		if i == 3 {
			break
		}
		parts = append(parts, fmt.Sprintf("Grid Notice: %s - %s", notice.Type, notice.Message))
	}

	if len(s.EventContext.Holidays) > 0 {
		parts = append(parts, fmt.Sprintf("Holidays: %s", strings.Join(s.EventContext.Holidays, ", ")))
	}
	if len(s.EventContext.SpecialEvents) > 0 {
		parts = append(parts, fmt.Sprintf("Events: %s", strings.Join(s.EventContext.SpecialEvents, ", ")))
	}

	return strings.Join(parts, ". ")
}

// Summarize renders a short human-readable description of a snapshot.
func Summarize(s *models.ContextSnapshot) string {
	var parts []string

	if s.WeatherContext.Condition != "" {
		parts = append(parts, fmt.Sprintf("Weather: %s (%.1f°C)", s.WeatherContext.Condition, s.WeatherContext.Temperature))
	}
	if s.EventContext.IsWeekend {
		parts = append(parts, "Weekend")
	} else if s.EventContext.DayOfWeek != "" {
		parts = append(parts, s.EventContext.DayOfWeek)
	}
	if n := len(s.GridNotices); n > 0 {
		parts = append(parts, fmt.Sprintf("%d grid notices", n))
	}

	if len(parts) == 0 {
		return "No significant context"
	}
	return strings.Join(parts, ", ")
}
