package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/powercast/powercast/internal/models"
)

// ForecastErrorRepository persists classified forecast errors.
type ForecastErrorRepository struct {
	db *sql.DB
}

// NewForecastErrorRepository creates a new forecast error repository.
func NewForecastErrorRepository(db *sql.DB) *ForecastErrorRepository {
	return &ForecastErrorRepository{db: db}
}

// Create inserts a forecast error and assigns its id.
func (r *ForecastErrorRepository) Create(ctx context.Context, ferr *models.ForecastError) error {
	if ferr.ID == "" {
		ferr.ID = uuid.New().String()
	}

	query := `
		INSERT INTO forecast_errors (id, forecast_event_id, error_type, severity, mape, mae, peak_error_mw, ramp_error_mw_per_hour, actual_values, analysis_triggered, notes, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.ExecContext(ctx, query,
		ferr.ID, ferr.ForecastEventID, string(ferr.ErrorType), string(ferr.Severity),
		ferr.MAPE, ferr.MAE, ferr.PeakErrorMW, ferr.RampErrorMWPerHour,
		pq.Array(ferr.ActualValues), ferr.AnalysisTriggered, ferr.Notes, ferr.ObservedAt)
	if err != nil {
		return fmt.Errorf("failed to create forecast error: %w", err)
	}

	return nil
}

// GetByID fetches a single forecast error.
func (r *ForecastErrorRepository) GetByID(ctx context.Context, id string) (*models.ForecastError, error) {
	query := selectErrorColumns + ` WHERE id = $1`

	ferr, err := scanForecastError(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("forecast error not found")
	}
	return ferr, err
}

// Recent returns the newest forecast errors across all regions.
func (r *ForecastErrorRepository) Recent(ctx context.Context, limit int) ([]models.ForecastError, error) {
	query := selectErrorColumns + ` ORDER BY observed_at DESC LIMIT $1`
	return r.queryErrors(ctx, query, limit)
}

// PendingAnalysis returns errors flagged for analysis that have not completed
// the learning pipeline yet.
func (r *ForecastErrorRepository) PendingAnalysis(ctx context.Context, limit int) ([]models.ForecastError, error) {
	query := selectErrorColumns + `
		WHERE analysis_triggered = TRUE AND analysis_completed_at IS NULL
		ORDER BY observed_at DESC
		LIMIT $1
	`
	return r.queryErrors(ctx, query, limit)
}

// MarkAnalysisCompleted stamps the completion time after a lesson was minted.
func (r *ForecastErrorRepository) MarkAnalysisCompleted(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE forecast_errors SET analysis_completed_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark analysis completed: %w", err)
	}
	return nil
}

const selectErrorColumns = `
	SELECT id, forecast_event_id, error_type, severity, mape, mae, peak_error_mw, ramp_error_mw_per_hour, actual_values, analysis_triggered, analysis_completed_at, notes, observed_at
	FROM forecast_errors`

func (r *ForecastErrorRepository) queryErrors(ctx context.Context, query string, args ...interface{}) ([]models.ForecastError, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query forecast errors: %w", err)
	}
	defer rows.Close()

	var errors []models.ForecastError
	for rows.Next() {
		ferr, err := scanForecastError(rows)
		if err != nil {
			return nil, err
		}
		errors = append(errors, *ferr)
	}

	return errors, rows.Err()
}

func scanForecastError(row rowScanner) (*models.ForecastError, error) {
	var ferr models.ForecastError
	var errorType, severity string
	var notes sql.NullString
	var completedAt sql.NullTime
	var actuals pq.Float64Array

	err := row.Scan(&ferr.ID, &ferr.ForecastEventID, &errorType, &severity,
		&ferr.MAPE, &ferr.MAE, &ferr.PeakErrorMW, &ferr.RampErrorMWPerHour,
		&actuals, &ferr.AnalysisTriggered, &completedAt, &notes, &ferr.ObservedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan forecast error: %w", err)
	}

	ferr.ErrorType = models.ErrorType(errorType)
	ferr.Severity = models.Severity(severity)
	ferr.ActualValues = []float64(actuals)
	if notes.Valid {
		ferr.Notes = notes.String
	}
	if completedAt.Valid {
		ferr.AnalysisCompletedAt = &completedAt.Time
	}

	return &ferr, nil
}
