package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/powercast/powercast/internal/models"
)

// RuleApplicationRepository persists the append-only adjustment audit trail.
type RuleApplicationRepository struct {
	db *sql.DB
}

// NewRuleApplicationRepository creates a new rule application repository.
func NewRuleApplicationRepository(db *sql.DB) *RuleApplicationRepository {
	return &RuleApplicationRepository{db: db}
}

// Create inserts an audit row and assigns its id.
func (r *RuleApplicationRepository) Create(ctx context.Context, app *models.RuleApplication) error {
	if app.ID == "" {
		app.ID = uuid.New().String()
	}
	if app.AppliedAt.IsZero() {
		app.AppliedAt = time.Now().UTC()
	}

	var contextJSON []byte
	var err error
	if app.CurrentContext != nil {
		contextJSON, err = json.Marshal(app.CurrentContext)
		if err != nil {
			return fmt.Errorf("failed to marshal current context: %w", err)
		}
	}

	query := `
		INSERT INTO rule_applications (id, forecast_event_id, lesson_id, prediction_index, original_prediction, adjusted_prediction, adjustment_factor, match_confidence, explanation, current_context, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.ExecContext(ctx, query,
		app.ID, app.ForecastEventID, app.LessonID, app.PredictionIndex,
		app.OriginalPrediction, app.AdjustedPrediction, app.AdjustmentFactor,
		app.MatchConfidence, app.Explanation, nullableJSON(contextJSON), app.AppliedAt)
	if err != nil {
		return fmt.Errorf("failed to create rule application: %w", err)
	}

	return nil
}

// UpdateOutcome annotates an audit row once actuals reveal whether the
// adjustment helped. Served output is never recomputed from this.
func (r *RuleApplicationRepository) UpdateOutcome(ctx context.Context, id string, wasBeneficial bool, benefitScore float64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE rule_applications SET was_beneficial = $1, benefit_score = $2 WHERE id = $3`,
		wasBeneficial, benefitScore, id)
	if err != nil {
		return fmt.Errorf("failed to update rule outcome: %w", err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("rule application not found")
	}

	return nil
}

// ByForecastEvent returns the audit rows for one forecast, joined to the
// lesson fields needed by the explain view.
func (r *RuleApplicationRepository) ByForecastEvent(ctx context.Context, forecastEventID string) ([]models.RuleApplication, error) {
	query := `
		SELECT ra.id, ra.forecast_event_id, ra.lesson_id, ra.prediction_index, ra.original_prediction, ra.adjusted_prediction, ra.adjustment_factor, ra.match_confidence, ra.explanation, ra.current_context, ra.was_beneficial, ra.benefit_score, ra.applied_at,
		       gl.failure_cause, gl.generalized_rule
		FROM rule_applications ra
		LEFT JOIN generalized_lessons gl ON gl.id = ra.lesson_id
		WHERE ra.forecast_event_id = $1
		ORDER BY ra.applied_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, forecastEventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule applications: %w", err)
	}
	defer rows.Close()

	var apps []models.RuleApplication
	for rows.Next() {
		var app models.RuleApplication
		var contextJSON []byte
		var beneficial sql.NullBool
		var score sql.NullFloat64
		var cause, rule sql.NullString

		err := rows.Scan(&app.ID, &app.ForecastEventID, &app.LessonID, &app.PredictionIndex,
			&app.OriginalPrediction, &app.AdjustedPrediction, &app.AdjustmentFactor,
			&app.MatchConfidence, &app.Explanation, &contextJSON, &beneficial, &score, &app.AppliedAt,
			&cause, &rule)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule application: %w", err)
		}
		app.FailureCause = cause.String
		app.GeneralizedRule = rule.String

		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &app.CurrentContext); err != nil {
				return nil, fmt.Errorf("failed to unmarshal current context: %w", err)
			}
		}
		if beneficial.Valid {
			app.WasBeneficial = &beneficial.Bool
		}
		if score.Valid {
			app.BenefitScore = &score.Float64
		}

		apps = append(apps, app)
	}

	return apps, rows.Err()
}
