package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/powercast/powercast/internal/models"
)

type fakeEventRepo struct {
	events  map[string]*models.ForecastEvent
	failing bool
	creates int
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{events: map[string]*models.ForecastEvent{}}
}

func (r *fakeEventRepo) Create(ctx context.Context, event *models.ForecastEvent) error {
	r.creates++
	if r.failing {
		return fmt.Errorf("database unavailable")
	}
	copied := *event
	r.events[event.ID] = &copied
	return nil
}

func (r *fakeEventRepo) GetByID(ctx context.Context, id string) (*models.ForecastEvent, error) {
	if r.failing {
		return nil, fmt.Errorf("database unavailable")
	}
	event, ok := r.events[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return event, nil
}

func (r *fakeEventRepo) Recent(ctx context.Context, regionCode string, limit int) ([]models.ForecastEvent, error) {
	if r.failing {
		return nil, fmt.Errorf("database unavailable")
	}
	var events []models.ForecastEvent
	for _, e := range r.events {
		if e.RegionCode == regionCode && len(events) < limit {
			events = append(events, *e)
		}
	}
	return events, nil
}

func testSeries() models.PredictionSeries {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return models.PredictionSeries{
		Timestamps: []time.Time{start, start.Add(15 * time.Minute), start.Add(30 * time.Minute)},
		Point:      []float64{1200, 1350, 1280},
		Q10:        []float64{1080, 1215, 1152},
		Q90:        []float64{1320, 1485, 1408},
	}
}

func TestLogAndGetRoundTrip(t *testing.T) {
	repo := newFakeEventRepo()
	logger := New(repo, 10, clockwork.NewFakeClock(), slog.Default())

	series := testSeries()
	id := logger.Log(context.Background(), "SWISS_GRID", "v1.2.0", series.Timestamps[0], 24, series, nil, nil)
	if id == "" {
		t.Fatal("expected non-empty forecast id")
	}

	event, err := logger.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID returned error: %v", err)
	}
	if !reflect.DeepEqual(event.Predictions.Point, series.Point) {
		t.Errorf("predictions changed on round trip: got %v, want %v", event.Predictions.Point, series.Point)
	}
	if !reflect.DeepEqual(event.Predictions.Q10, series.Q10) {
		t.Errorf("q10 changed on round trip: got %v, want %v", event.Predictions.Q10, series.Q10)
	}
}

func TestLogNeverFailsWhenRepoDown(t *testing.T) {
	repo := newFakeEventRepo()
	repo.failing = true
	logger := New(repo, 10, clockwork.NewFakeClock(), slog.Default())

	id := logger.Log(context.Background(), "SWISS_GRID", "v1.2.0", time.Now(), 24, testSeries(), nil, nil)
	if id == "" {
		t.Fatal("expected an id even with persistence down")
	}
	if logger.BufferedCount() != 1 {
		t.Errorf("expected 1 buffered event, got %d", logger.BufferedCount())
	}

	// read-through still works via the buffer
	event, err := logger.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID via buffer returned error: %v", err)
	}
	if event.RegionCode != "SWISS_GRID" {
		t.Errorf("unexpected region: %s", event.RegionCode)
	}
}

func TestFlushRetriesBufferedEvents(t *testing.T) {
	repo := newFakeEventRepo()
	repo.failing = true
	logger := New(repo, 10, clockwork.NewFakeClock(), slog.Default())

	logger.Log(context.Background(), "SWISS_GRID", "v1", time.Now(), 24, testSeries(), nil, nil)
	logger.Log(context.Background(), "SWISS_GRID", "v1", time.Now(), 24, testSeries(), nil, nil)

	if flushed := logger.Flush(context.Background()); flushed != 0 {
		t.Errorf("expected 0 flushed while repo down, got %d", flushed)
	}
	if logger.BufferedCount() != 2 {
		t.Errorf("expected 2 buffered after failed flush, got %d", logger.BufferedCount())
	}

	repo.failing = false
	if flushed := logger.Flush(context.Background()); flushed != 2 {
		t.Errorf("expected 2 flushed once repo recovered, got %d", flushed)
	}
	if logger.BufferedCount() != 0 {
		t.Errorf("expected empty buffer after flush, got %d", logger.BufferedCount())
	}
}

func TestFallbackBufferEvictsOldest(t *testing.T) {
	repo := newFakeEventRepo()
	repo.failing = true
	clock := clockwork.NewFakeClock()
	logger := New(repo, 3, clock, slog.Default())

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, logger.Log(context.Background(), "SWISS_GRID", "v1", clock.Now(), 24, testSeries(), nil, nil))
		clock.Advance(time.Second)
	}

	if logger.BufferedCount() != 3 {
		t.Fatalf("expected buffer capped at 3, got %d", logger.BufferedCount())
	}

	// the two oldest were dropped
	for _, id := range ids[:2] {
		if _, err := logger.GetByID(context.Background(), id); err == nil {
			t.Errorf("expected evicted event %s to be gone", id)
		}
	}
	for _, id := range ids[2:] {
		if _, err := logger.GetByID(context.Background(), id); err != nil {
			t.Errorf("expected retained event %s, got error: %v", id, err)
		}
	}
}

func TestRecentFallsBackToBuffer(t *testing.T) {
	repo := newFakeEventRepo()
	repo.failing = true
	logger := New(repo, 10, clockwork.NewFakeClock(), slog.Default())

	logger.Log(context.Background(), "SWISS_GRID", "v1", time.Now(), 24, testSeries(), nil, nil)
	logger.Log(context.Background(), "SOUTH_TN_TNEB", "v1", time.Now(), 24, testSeries(), nil, nil)

	events, err := logger.Recent(context.Background(), "SWISS_GRID", 10)
	if err != nil {
		t.Fatalf("Recent returned error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 buffered event for region, got %d", len(events))
	}
	if events[0].RegionCode != "SWISS_GRID" {
		t.Errorf("unexpected region %s", events[0].RegionCode)
	}
}
