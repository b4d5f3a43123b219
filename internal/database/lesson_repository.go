package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/powercast/powercast/internal/models"
)

// LessonRepository persists generalized lessons and their running statistics.
type LessonRepository struct {
	db *sql.DB
}

// NewLessonRepository creates a new lesson repository.
func NewLessonRepository(db *sql.DB) *LessonRepository {
	return &LessonRepository{db: db}
}

// Create inserts a new, active lesson and returns its id. Duplicate lessons
// for similar contexts are acceptable; they compete during fusion.
func (r *LessonRepository) Create(ctx context.Context, lesson *models.GeneralizedLesson) (string, error) {
	if lesson.ID == "" {
		lesson.ID = uuid.New().String()
	}
	if lesson.CreatedAt.IsZero() {
		lesson.CreatedAt = time.Now().UTC()
	}

	adjustment, err := json.Marshal(lesson.Adjustment)
	if err != nil {
		return "", fmt.Errorf("failed to marshal adjustment params: %w", err)
	}

	query := `
		INSERT INTO generalized_lessons (id, context_snapshot_id, failure_cause, context_signature, generalized_rule, adjustment_params, llm_confidence, is_active, application_count, success_rate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, 0, 0, $8)
	`

	_, err = r.db.ExecContext(ctx, query,
		lesson.ID, lesson.ContextSnapshotID, lesson.FailureCause,
		pq.Array(lesson.ContextSignature), lesson.GeneralizedRule,
		adjustment, lesson.LLMConfidence, lesson.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to create lesson: %w", err)
	}

	return lesson.ID, nil
}

// Get fetches a single lesson.
func (r *LessonRepository) Get(ctx context.Context, id string) (*models.GeneralizedLesson, error) {
	query := `
		SELECT id, context_snapshot_id, failure_cause, context_signature, generalized_rule, adjustment_params, llm_confidence, is_active, application_count, success_rate, created_at
		FROM generalized_lessons
		WHERE id = $1
	`

	var lesson models.GeneralizedLesson
	var signature pq.StringArray
	var adjustment []byte

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&lesson.ID, &lesson.ContextSnapshotID, &lesson.FailureCause, &signature,
		&lesson.GeneralizedRule, &adjustment, &lesson.LLMConfidence,
		&lesson.IsActive, &lesson.ApplicationCount, &lesson.SuccessRate, &lesson.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("lesson not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lesson: %w", err)
	}

	lesson.ContextSignature = []string(signature)
	if err := json.Unmarshal(adjustment, &lesson.Adjustment); err != nil {
		return nil, fmt.Errorf("failed to unmarshal adjustment params: %w", err)
	}

	return &lesson, nil
}

// Deactivate retires a lesson from matching without deleting its history.
func (r *LessonRepository) Deactivate(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE generalized_lessons SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate lesson: %w", err)
	}
	return nil
}

// BumpStats calls the database-side atomic statistics update for a lesson.
// The increment lives in SQL so that concurrent adjustment flows never race
// on the counters.
func (r *LessonRepository) BumpStats(ctx context.Context, lessonID string) error {
	_, err := r.db.ExecContext(ctx, `SELECT bump_lesson_stats($1)`, lessonID)
	if err != nil {
		return fmt.Errorf("failed to bump lesson stats: %w", err)
	}
	return nil
}

// ActiveWithStats reads the view of active lessons joined to their aggregate
// application statistics.
func (r *LessonRepository) ActiveWithStats(ctx context.Context, limit int) ([]models.GeneralizedLesson, error) {
	query := `
		SELECT id, context_snapshot_id, failure_cause, context_signature, generalized_rule, adjustment_params, llm_confidence, is_active, application_count, success_rate, created_at
		FROM active_lessons_with_stats
		ORDER BY application_count DESC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query active lessons: %w", err)
	}
	defer rows.Close()

	var lessons []models.GeneralizedLesson
	for rows.Next() {
		var lesson models.GeneralizedLesson
		var signature pq.StringArray
		var adjustment []byte

		err := rows.Scan(&lesson.ID, &lesson.ContextSnapshotID, &lesson.FailureCause,
			&signature, &lesson.GeneralizedRule, &adjustment, &lesson.LLMConfidence,
			&lesson.IsActive, &lesson.ApplicationCount, &lesson.SuccessRate, &lesson.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lesson: %w", err)
		}

		lesson.ContextSignature = []string(signature)
		if err := json.Unmarshal(adjustment, &lesson.Adjustment); err != nil {
			return nil, fmt.Errorf("failed to unmarshal adjustment params: %w", err)
		}

		lessons = append(lessons, lesson)
	}

	return lessons, rows.Err()
}
