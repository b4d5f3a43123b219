package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/powercast/powercast/internal/models"
)

// ForecastEventRepository persists immutable forecast event records.
type ForecastEventRepository struct {
	db *sql.DB
}

// NewForecastEventRepository creates a new forecast event repository.
func NewForecastEventRepository(db *sql.DB) *ForecastEventRepository {
	return &ForecastEventRepository{db: db}
}

// Create inserts a forecast event. Events are append-only; there is no
// corresponding update path for the forecast payload.
func (r *ForecastEventRepository) Create(ctx context.Context, event *models.ForecastEvent) error {
	predictions, err := json.Marshal(event.Predictions)
	if err != nil {
		return fmt.Errorf("failed to marshal predictions: %w", err)
	}

	var features []byte
	if event.InputFeatures != nil {
		features, err = json.Marshal(event.InputFeatures)
		if err != nil {
			return fmt.Errorf("failed to marshal input features: %w", err)
		}
	}

	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO forecast_events (id, region_code, model_version, forecast_start, horizon_hours, predictions, input_features, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.db.ExecContext(ctx, query,
		event.ID, event.RegionCode, event.ModelVersion, event.ForecastStart,
		event.HorizonHours, predictions, nullableJSON(features), metadata, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create forecast event: %w", err)
	}

	return nil
}

// GetByID fetches a single forecast event.
func (r *ForecastEventRepository) GetByID(ctx context.Context, id string) (*models.ForecastEvent, error) {
	query := `
		SELECT id, region_code, model_version, forecast_start, horizon_hours, predictions, input_features, metadata, created_at, observed_at
		FROM forecast_events
		WHERE id = $1
	`

	return r.scanEvent(r.db.QueryRowContext(ctx, query, id))
}

// Recent returns the newest forecast events for a region.
func (r *ForecastEventRepository) Recent(ctx context.Context, regionCode string, limit int) ([]models.ForecastEvent, error) {
	query := `
		SELECT id, region_code, model_version, forecast_start, horizon_hours, predictions, input_features, metadata, created_at, observed_at
		FROM forecast_events
		WHERE region_code = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, regionCode, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query forecast events: %w", err)
	}
	defer rows.Close()

	var events []models.ForecastEvent
	for rows.Next() {
		event, err := r.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}

	return events, rows.Err()
}

// Unobserved returns events whose horizon elapsed before the cutoff and that
// have not yet been compared against actuals.
func (r *ForecastEventRepository) Unobserved(ctx context.Context, cutoff time.Time, limit int) ([]models.ForecastEvent, error) {
	query := `
		SELECT id, region_code, model_version, forecast_start, horizon_hours, predictions, input_features, metadata, created_at, observed_at
		FROM forecast_events
		WHERE observed_at IS NULL
		  AND forecast_start + (horizon_hours * INTERVAL '1 hour') <= $1
		ORDER BY forecast_start ASC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unobserved events: %w", err)
	}
	defer rows.Close()

	var events []models.ForecastEvent
	for rows.Next() {
		event, err := r.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}

	return events, rows.Err()
}

// MarkObserved stamps the bookkeeping column consulted by the observation
// scheduler. The forecast payload itself is never touched.
func (r *ForecastEventRepository) MarkObserved(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE forecast_events SET observed_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark event observed: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *ForecastEventRepository) scanEvent(row rowScanner) (*models.ForecastEvent, error) {
	var event models.ForecastEvent
	var predictions, metadata []byte
	var features sql.NullString
	var observedAt sql.NullTime

	err := row.Scan(&event.ID, &event.RegionCode, &event.ModelVersion, &event.ForecastStart,
		&event.HorizonHours, &predictions, &features, &metadata, &event.CreatedAt, &observedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("forecast event not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan forecast event: %w", err)
	}

	if err := json.Unmarshal(predictions, &event.Predictions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal predictions: %w", err)
	}
	if features.Valid && features.String != "" {
		if err := json.Unmarshal([]byte(features.String), &event.InputFeatures); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input features: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if observedAt.Valid {
		event.ObservedAt = &observedAt.Time
	}

	return &event, nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
