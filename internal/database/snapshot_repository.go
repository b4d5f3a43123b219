package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/powercast/powercast/internal/models"
)

// SnapshotRepository persists context snapshots and runs vector similarity
// searches over their embeddings (pgvector).
type SnapshotRepository struct {
	db *sql.DB
}

// NewSnapshotRepository creates a new snapshot repository.
func NewSnapshotRepository(db *sql.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Create inserts a context snapshot and assigns its id. A nil embedding is
// stored as NULL; such snapshots are excluded from similarity search.
func (r *SnapshotRepository) Create(ctx context.Context, snapshot *models.ContextSnapshot) error {
	if snapshot.ID == "" {
		snapshot.ID = uuid.New().String()
	}

	weather, err := json.Marshal(snapshot.WeatherContext)
	if err != nil {
		return fmt.Errorf("failed to marshal weather context: %w", err)
	}
	notices, err := json.Marshal(snapshot.GridNotices)
	if err != nil {
		return fmt.Errorf("failed to marshal grid notices: %w", err)
	}
	events, err := json.Marshal(snapshot.EventContext)
	if err != nil {
		return fmt.Errorf("failed to marshal event context: %w", err)
	}

	var embedding interface{}
	if len(snapshot.Embedding) > 0 {
		embedding = vectorLiteral(snapshot.Embedding)
	}

	query := `
		INSERT INTO context_snapshots (id, forecast_error_id, region_code, window_start, window_end, weather_context, grid_notices, event_context, summary, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.ExecContext(ctx, query,
		snapshot.ID, snapshot.ForecastErrorID, snapshot.RegionCode,
		snapshot.WindowStart, snapshot.WindowEnd, weather, notices, events,
		snapshot.Summary, embedding, snapshot.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create context snapshot: %w", err)
	}

	return nil
}

// FindSimilar returns snapshots (joined to their lessons) whose embeddings are
// within the cosine-similarity threshold of the query vector, best first.
func (r *SnapshotRepository) FindSimilar(ctx context.Context, embedding []float32, regionCode string, limit int, minSimilarity float64) ([]models.SimilarContext, error) {
	query := `SELECT snapshot_id, lesson_id, failure_cause, context_signature, generalized_rule, similarity, llm_confidence
		FROM find_similar_contexts($1::vector, $2, $3, $4)`

	rows, err := r.db.QueryContext(ctx, query, vectorLiteral(embedding), regionCode, limit, minSimilarity)
	if err != nil {
		return nil, fmt.Errorf("failed to query similar contexts: %w", err)
	}
	defer rows.Close()

	var hits []models.SimilarContext
	for rows.Next() {
		var hit models.SimilarContext
		var lessonID, failureCause, rule sql.NullString
		var signature pq.StringArray
		var confidence sql.NullFloat64

		if err := rows.Scan(&hit.SnapshotID, &lessonID, &failureCause, &signature, &rule, &hit.Similarity, &confidence); err != nil {
			return nil, fmt.Errorf("failed to scan similar context: %w", err)
		}

		if lessonID.Valid {
			hit.LessonID = lessonID.String
		}
		if failureCause.Valid {
			hit.FailureCause = failureCause.String
		}
		if rule.Valid {
			hit.GeneralizedRule = rule.String
		}
		hit.ContextSignature = []string(signature)
		if confidence.Valid {
			c := confidence.Float64
			hit.LLMConfidence = &c
		}

		hits = append(hits, hit)
	}

	return hits, rows.Err()
}

// vectorLiteral renders an embedding in pgvector's input syntax.
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
