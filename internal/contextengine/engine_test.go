package contextengine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/powercast/powercast/internal/config"
	"github.com/powercast/powercast/internal/embedding"
	"github.com/powercast/powercast/internal/models"
	"github.com/powercast/powercast/internal/weather"
)

type fakeStore struct {
	created []*models.ContextSnapshot
	similar []models.SimilarContext
	failing bool

	lastLimit         int
	lastMinSimilarity float64
}

func (s *fakeStore) Create(ctx context.Context, snapshot *models.ContextSnapshot) error {
	if s.failing {
		return errors.New("connection refused")
	}
	s.created = append(s.created, snapshot)
	return nil
}

func (s *fakeStore) FindSimilar(ctx context.Context, embedding []float32, regionCode string, limit int, minSimilarity float64) ([]models.SimilarContext, error) {
	s.lastLimit = limit
	s.lastMinSimilarity = minSimilarity
	return s.similar, nil
}

type fakeWeather struct {
	weather models.WeatherContext
	err     error
}

func (w *fakeWeather) Current(ctx context.Context, lat, lon float64) (models.WeatherContext, error) {
	return w.weather, w.err
}

type fakeEmbedder struct {
	err error
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return make([]float32, 1536), nil
}

func newTestEngine(store *fakeStore, w weather.Provider, emb embedding.Embedder) *Engine {
	return New(store, w, emb, config.DefaultLearningConfig(), clockwork.NewFakeClock(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCreateSnapshot(t *testing.T) {
	store := &fakeStore{}
	w := &fakeWeather{weather: models.WeatherContext{Temperature: 37, CloudCover: 10, Condition: "heatwave, clear_sky"}}
	eng := newTestEngine(store, w, &fakeEmbedder{})

	start := time.Date(2026, 7, 14, 0, 0, 0, 0, time.UTC)
	snapshot, err := eng.CreateSnapshot(context.Background(), "err-1", "SWISS_GRID", start, start.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("CreateSnapshot() error: %v", err)
	}

	if len(store.created) != 1 {
		t.Fatalf("stored %d snapshots, want 1", len(store.created))
	}
	if snapshot.WeatherContext.Condition != "heatwave, clear_sky" {
		t.Errorf("weather condition = %q", snapshot.WeatherContext.Condition)
	}
	if len(snapshot.Embedding) != 1536 {
		t.Errorf("embedding length = %d, want 1536", len(snapshot.Embedding))
	}
	if snapshot.Summary == "" {
		t.Error("summary should be generated")
	}
	if snapshot.EventContext.DayOfWeek != "Tuesday" {
		t.Errorf("day of week = %q, want Tuesday", snapshot.EventContext.DayOfWeek)
	}
}

func TestCreateSnapshotDegradesWithoutWeather(t *testing.T) {
	store := &fakeStore{}
	w := &fakeWeather{err: errors.New("timeout")}
	eng := newTestEngine(store, w, &fakeEmbedder{})

	start := time.Date(2026, 7, 14, 0, 0, 0, 0, time.UTC)
	snapshot, err := eng.CreateSnapshot(context.Background(), "err-1", "SWISS_GRID", start, start.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("CreateSnapshot() error: %v", err)
	}
	if snapshot.WeatherContext.Condition != "" {
		t.Error("weather context should be empty when the provider fails")
	}
	if len(snapshot.Embedding) != 1536 {
		t.Error("snapshot should still be embedded")
	}
}

func TestCreateSnapshotDegradesWithoutEmbedding(t *testing.T) {
	store := &fakeStore{}
	eng := newTestEngine(store, nil, &fakeEmbedder{err: errors.New("quota exceeded")})

	start := time.Date(2026, 7, 14, 0, 0, 0, 0, time.UTC)
	snapshot, err := eng.CreateSnapshot(context.Background(), "err-1", "SWISS_GRID", start, start.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("CreateSnapshot() error: %v", err)
	}
	if len(snapshot.Embedding) != 0 {
		t.Error("embedding should be absent when the embedder fails")
	}
	if len(store.created) != 1 {
		t.Error("degraded snapshot should still be stored")
	}
}

func TestCreateSnapshotFailsOnStoreError(t *testing.T) {
	eng := newTestEngine(&fakeStore{failing: true}, nil, &fakeEmbedder{})

	start := time.Date(2026, 7, 14, 0, 0, 0, 0, time.UTC)
	if _, err := eng.CreateSnapshot(context.Background(), "err-1", "SWISS_GRID", start, start.Add(time.Hour)); err == nil {
		t.Fatal("expected an error when the store is down")
	}
}

func TestFindApplicableLessonsUsesConfiguredFloor(t *testing.T) {
	store := &fakeStore{similar: []models.SimilarContext{{SnapshotID: "s1", Similarity: 0.8}}}
	eng := newTestEngine(store, &fakeWeather{weather: models.WeatherContext{Condition: "normal"}}, &fakeEmbedder{})

	hits, err := eng.FindApplicableLessons(context.Background(), "SWISS_GRID", time.Date(2026, 7, 14, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("FindApplicableLessons() error: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if store.lastLimit != 3 {
		t.Errorf("retrieval limit = %d, want 3", store.lastLimit)
	}
	if store.lastMinSimilarity != 0.6 {
		t.Errorf("similarity floor = %v, want 0.6", store.lastMinSimilarity)
	}
}

func TestFindSimilarWithoutEmbedderReturnsEmpty(t *testing.T) {
	eng := newTestEngine(&fakeStore{}, nil, nil)

	hits, err := eng.FindSimilar(context.Background(), "Region: SWISS_GRID", "SWISS_GRID", 5, 0.7)
	if err != nil {
		t.Fatalf("FindSimilar() error: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("got %d hits, want 0", len(hits))
	}
}

func TestCalendarContext(t *testing.T) {
	tests := []struct {
		name        string
		t           time.Time
		wantWeekend bool
		wantHoliday string
	}{
		{"weekday", time.Date(2026, 7, 14, 10, 0, 0, 0, time.UTC), false, ""},
		{"saturday", time.Date(2026, 7, 18, 10, 0, 0, 0, time.UTC), true, ""},
		{"new year", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), false, "New Year"},
		{"christmas", time.Date(2026, 12, 25, 0, 0, 0, 0, time.UTC), false, "Christmas"},
		{"independence day", time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC), true, "Independence Day (India)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := CalendarContext(tt.t)
			if event.IsWeekend != tt.wantWeekend {
				t.Errorf("IsWeekend = %v, want %v", event.IsWeekend, tt.wantWeekend)
			}
			if tt.wantHoliday == "" && len(event.Holidays) != 0 {
				t.Errorf("unexpected holidays: %v", event.Holidays)
			}
			if tt.wantHoliday != "" && (len(event.Holidays) != 1 || event.Holidays[0] != tt.wantHoliday) {
				t.Errorf("holidays = %v, want [%s]", event.Holidays, tt.wantHoliday)
			}
		})
	}
}

func TestContextTextIncludesWeatherAndHolidays(t *testing.T) {
	s := &models.ContextSnapshot{
		RegionCode: "SOUTH_TN_TNEB",
		WeatherContext: models.WeatherContext{
			Condition: "heatwave", Temperature: 39.2, Humidity: 60, WindSpeed: 4,
		},
		EventContext: models.EventContext{Holidays: []string{"Independence Day (India)"}},
	}

	text := ContextText(s)
	for _, want := range []string{"Region: SOUTH_TN_TNEB", "heatwave", "39.2", "Independence Day (India)"} {
		if !strings.Contains(text, want) {
			t.Errorf("context text missing %q: %s", want, text)
		}
	}
}
