package rules

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/powercast/powercast/internal/config"
	"github.com/powercast/powercast/internal/models"
)

type fakeLessons struct {
	lessons map[string]*models.GeneralizedLesson
	bumped  []string
}

func (f *fakeLessons) Get(ctx context.Context, id string) (*models.GeneralizedLesson, error) {
	lesson, ok := f.lessons[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return lesson, nil
}

func (f *fakeLessons) BumpStats(ctx context.Context, lessonID string) error {
	f.bumped = append(f.bumped, lessonID)
	return nil
}

func (f *fakeLessons) ActiveWithStats(ctx context.Context, limit int) ([]models.GeneralizedLesson, error) {
	var out []models.GeneralizedLesson
	for _, l := range f.lessons {
		if l.IsActive {
			out = append(out, *l)
		}
	}
	return out, nil
}

type fakeApplications struct {
	created []models.RuleApplication
	updated []string
	failing bool
}

func (f *fakeApplications) Create(ctx context.Context, app *models.RuleApplication) error {
	if f.failing {
		return errors.New("connection refused")
	}
	f.created = append(f.created, *app)
	return nil
}

func (f *fakeApplications) UpdateOutcome(ctx context.Context, id string, wasBeneficial bool, benefitScore float64) error {
	f.updated = append(f.updated, id)
	return nil
}

func newTestEngine(lessons *fakeLessons, apps *fakeApplications) *Engine {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 7, 14, 10, 0, 0, 0, time.UTC))
	return New(lessons, apps, config.DefaultLearningConfig(), clock, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testRule(magnitude, confidence, similarity float64) ApplicableRule {
	return ApplicableRule{
		LessonID:          "lesson-1",
		GeneralizedRule:   "When heatwave persists, scale the forecast up",
		ContextSignature:  []string{"heatwave"},
		Adjustment:        models.AdjustmentParams{Type: models.AdjustmentScale, Direction: models.DirectionUp, MagnitudePct: magnitude},
		LLMConfidence:     confidence,
		ContextSimilarity: similarity,
	}
}

func floatPtr(v float64) *float64 { return &v }

func TestApplyWithNoRulesIsIdentity(t *testing.T) {
	engine := newTestEngine(&fakeLessons{}, &fakeApplications{})

	predictions := []float64{100, 200, 300}
	result := engine.Apply(context.Background(), predictions, nil, "fc_test", nil)

	for i := range predictions {
		if result.AdjustedPredictions[i] != predictions[i] {
			t.Errorf("prediction %d changed: %v -> %v", i, predictions[i], result.AdjustedPredictions[i])
		}
	}
	if result.TotalAdjustmentPct != 0 {
		t.Errorf("total adjustment = %v, want 0", result.TotalAdjustmentPct)
	}
	if result.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", result.Confidence)
	}
	if result.Explanation != "No applicable rules found" {
		t.Errorf("explanation = %q", result.Explanation)
	}
}

func TestApplyFullWeightRule(t *testing.T) {
	apps := &fakeApplications{}
	engine := newTestEngine(&fakeLessons{}, apps)

	result := engine.Apply(context.Background(), []float64{100, 100, 100}, []ApplicableRule{testRule(10, 1.0, 1.0)}, "fc_test", nil)

	for i, got := range result.AdjustedPredictions {
		if math.Abs(got-110) > 0.01 {
			t.Errorf("prediction %d = %v, want 110", i, got)
		}
	}
	if math.Abs(result.TotalAdjustmentPct-10) > 0.01 {
		t.Errorf("total adjustment = %v, want 10", result.TotalAdjustmentPct)
	}
}

func TestApplyHalfConfidenceRule(t *testing.T) {
	engine := newTestEngine(&fakeLessons{}, &fakeApplications{})

	result := engine.Apply(context.Background(), []float64{100}, []ApplicableRule{testRule(10, 0.5, 1.0)}, "fc_test", nil)

	if math.Abs(result.AdjustedPredictions[0]-105) > 0.01 {
		t.Errorf("prediction = %v, want 105", result.AdjustedPredictions[0])
	}
}

func TestApplyCapsOutOfRangeMagnitude(t *testing.T) {
	engine := newTestEngine(&fakeLessons{}, &fakeApplications{})

	result := engine.Apply(context.Background(), []float64{100}, []ApplicableRule{testRule(20, 1.0, 1.0)}, "fc_test", nil)

	if result.AdjustedPredictions[0] > 115.01 {
		t.Errorf("prediction = %v, must not exceed the safety ceiling", result.AdjustedPredictions[0])
	}
}

func TestApplyFusedResultStaysInSafetyBand(t *testing.T) {
	engine := newTestEngine(&fakeLessons{}, &fakeApplications{})

	rules := []ApplicableRule{
		testRule(15, 1.0, 1.0),
		testRule(15, 1.0, 1.0),
		testRule(15, 1.0, 1.0),
	}
	down := testRule(15, 1.0, 1.0)
	down.Adjustment.Direction = models.DirectionDown

	for _, set := range [][]ApplicableRule{rules, {down, down}} {
		result := engine.Apply(context.Background(), []float64{100}, set, "fc_test", nil)
		if result.TotalAdjustmentPct > 15 || result.TotalAdjustmentPct < -15 {
			t.Errorf("fused adjustment %v outside [-15, 15]", result.TotalAdjustmentPct)
		}
	}
}

func TestApplyWritesOneAuditRowPerRule(t *testing.T) {
	lessons := &fakeLessons{lessons: map[string]*models.GeneralizedLesson{}}
	apps := &fakeApplications{}
	engine := newTestEngine(lessons, apps)

	ruleA := testRule(10, 0.9, 0.8)
	ruleB := testRule(5, 0.7, 0.7)
	ruleB.LessonID = "lesson-2"

	engine.Apply(context.Background(), []float64{1000, 1100}, []ApplicableRule{ruleA, ruleB}, "fc_test", map[string]interface{}{"region": "SWISS_GRID"})

	if len(apps.created) != 2 {
		t.Fatalf("created %d audit rows, want 2", len(apps.created))
	}
	for _, app := range apps.created {
		if app.PredictionIndex != 0 {
			t.Errorf("prediction index = %d, want representative index 0", app.PredictionIndex)
		}
		if app.OriginalPrediction != 1000 {
			t.Errorf("original prediction = %v, want 1000", app.OriginalPrediction)
		}
		if app.Explanation == "" {
			t.Error("audit row missing explanation")
		}
	}
	if len(lessons.bumped) != 2 {
		t.Errorf("bumped stats for %d lessons, want 2", len(lessons.bumped))
	}
}

func TestApplyStampsAuditRowsWithClockTime(t *testing.T) {
	apps := &fakeApplications{}
	now := time.Date(2026, 7, 14, 10, 0, 0, 0, time.UTC)
	engine := New(&fakeLessons{}, apps, config.DefaultLearningConfig(), clockwork.NewFakeClockAt(now), slog.New(slog.NewTextHandler(io.Discard, nil)))

	engine.Apply(context.Background(), []float64{100}, []ApplicableRule{testRule(10, 1.0, 1.0)}, "fc_test", nil)

	if len(apps.created) != 1 {
		t.Fatalf("created %d audit rows, want 1", len(apps.created))
	}
	if got := apps.created[0].AppliedAt; !got.Equal(now) {
		t.Errorf("applied at = %v, want %v", got, now)
	}
}

func TestApplySwallowsPersistenceFailures(t *testing.T) {
	engine := newTestEngine(&fakeLessons{}, &fakeApplications{failing: true})

	result := engine.Apply(context.Background(), []float64{100}, []ApplicableRule{testRule(10, 1.0, 1.0)}, "fc_test", nil)

	if math.Abs(result.AdjustedPredictions[0]-110) > 0.01 {
		t.Errorf("adjustment must survive audit failure, got %v", result.AdjustedPredictions[0])
	}
}

func TestMatchFilters(t *testing.T) {
	lessons := &fakeLessons{lessons: map[string]*models.GeneralizedLesson{
		"active": {
			ID: "active", IsActive: true, LLMConfidence: 0.8,
			GeneralizedRule: "When heatwave persists, scale the forecast up",
			Adjustment:      models.AdjustmentParams{Type: models.AdjustmentScale, Direction: models.DirectionUp, MagnitudePct: 7},
		},
		"inactive": {
			ID: "inactive", IsActive: false, LLMConfidence: 0.9,
		},
	}}
	engine := newTestEngine(lessons, &fakeApplications{})

	hits := []models.SimilarContext{
		{SnapshotID: "s1", Similarity: 0.9},                                                    // no lesson attached
		{SnapshotID: "s2", LessonID: "active", Similarity: 0.5},                                // below similarity floor
		{SnapshotID: "s3", LessonID: "active", Similarity: 0.9, LLMConfidence: floatPtr(0.3)},  // below confidence floor
		{SnapshotID: "s4", LessonID: "inactive", Similarity: 0.9},                              // deactivated lesson
		{SnapshotID: "s5", LessonID: "missing", Similarity: 0.9},                               // lookup failure
		{SnapshotID: "s6", LessonID: "active", Similarity: 0.85, LLMConfidence: floatPtr(0.8)}, // keeper
	}

	applicable := engine.Match(context.Background(), hits)
	if len(applicable) != 1 {
		t.Fatalf("matched %d rules, want 1", len(applicable))
	}
	rule := applicable[0]
	if rule.LessonID != "active" {
		t.Errorf("lesson id = %q", rule.LessonID)
	}
	if rule.ContextSimilarity != 0.85 {
		t.Errorf("similarity = %v", rule.ContextSimilarity)
	}
	if rule.Adjustment.MagnitudePct != 7 {
		t.Errorf("magnitude = %v, want 7 from lesson", rule.Adjustment.MagnitudePct)
	}
}

func TestMatchSortsByEffectiveWeight(t *testing.T) {
	lessons := &fakeLessons{lessons: map[string]*models.GeneralizedLesson{
		"weak": {ID: "weak", IsActive: true, LLMConfidence: 0.6,
			Adjustment: models.AdjustmentParams{Type: models.AdjustmentScale, Direction: models.DirectionUp, MagnitudePct: 5}},
		"strong": {ID: "strong", IsActive: true, LLMConfidence: 0.95,
			Adjustment: models.AdjustmentParams{Type: models.AdjustmentPeak, Direction: models.DirectionUp, MagnitudePct: 8}},
	}}
	engine := newTestEngine(lessons, &fakeApplications{})

	hits := []models.SimilarContext{
		{SnapshotID: "s1", LessonID: "weak", Similarity: 0.7},
		{SnapshotID: "s2", LessonID: "strong", Similarity: 0.9},
	}

	applicable := engine.Match(context.Background(), hits)
	if len(applicable) != 2 {
		t.Fatalf("matched %d rules, want 2", len(applicable))
	}
	if applicable[0].LessonID != "strong" {
		t.Errorf("first rule = %q, want the heaviest", applicable[0].LessonID)
	}
}

func TestUpdateOutcome(t *testing.T) {
	apps := &fakeApplications{}
	engine := newTestEngine(&fakeLessons{}, apps)

	if err := engine.UpdateOutcome(context.Background(), "app-1", true, 0.8); err != nil {
		t.Fatalf("UpdateOutcome() error: %v", err)
	}
	if len(apps.updated) != 1 || apps.updated[0] != "app-1" {
		t.Errorf("updated = %v", apps.updated)
	}
}
