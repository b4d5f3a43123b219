// Package rules matches learned lessons against the current forecast context
// and fuses them into one bounded adjustment. Every contribution is recorded
// as an audit row, and no fused adjustment can leave the ±15% safety band.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/powercast/powercast/internal/config"
	"github.com/powercast/powercast/internal/models"
)

// LessonReader fetches lessons and maintains their aggregate statistics.
type LessonReader interface {
	Get(ctx context.Context, id string) (*models.GeneralizedLesson, error)
	BumpStats(ctx context.Context, lessonID string) error
	ActiveWithStats(ctx context.Context, limit int) ([]models.GeneralizedLesson, error)
}

// ApplicationWriter persists rule application audit rows.
type ApplicationWriter interface {
	Create(ctx context.Context, app *models.RuleApplication) error
	UpdateOutcome(ctx context.Context, id string, wasBeneficial bool, benefitScore float64) error
}

// ApplicableRule is a lesson that passed the match filters, materialized with
// the similarity of the context it was retrieved for.
type ApplicableRule struct {
	LessonID          string
	FailureCause      string
	ContextSignature  []string
	GeneralizedRule   string
	Adjustment        models.AdjustmentParams
	LLMConfidence     float64
	ContextSimilarity float64
}

// EffectiveWeight is the rule's blending weight: confidence × similarity.
func (r ApplicableRule) EffectiveWeight() float64 {
	return r.LLMConfidence * r.ContextSimilarity
}

// EffectiveAdjustment is the signed, weight-scaled adjustment percentage the
// rule contributes. The magnitude is capped at the safety ceiling even if an
// out-of-range lesson somehow reached storage.
func (r ApplicableRule) EffectiveAdjustment(maxPct float64) float64 {
	magnitude := r.Adjustment.MagnitudePct
	if magnitude > maxPct {
		magnitude = maxPct
	}
	if r.Adjustment.Direction == models.DirectionDown {
		magnitude = -magnitude
	}
	return magnitude * r.EffectiveWeight()
}

// AdjustmentResult is the outcome of applying matched rules to a forecast.
type AdjustmentResult struct {
	AdjustedPredictions []float64                `json:"adjusted_predictions"`
	OriginalPredictions []float64                `json:"original_predictions"`
	AppliedRules        []models.RuleApplication `json:"applied_rules"`
	TotalAdjustmentPct  float64                  `json:"total_adjustment_pct"`
	Explanation         string                   `json:"explanation"`
	Confidence          float64                  `json:"confidence"`
}

// Engine matches and applies learned rules.
type Engine struct {
	lessons      LessonReader
	applications ApplicationWriter
	cfg          config.LearningConfig
	clock        clockwork.Clock
	logger       *slog.Logger
}

// New constructs a rule engine.
func New(lessons LessonReader, applications ApplicationWriter, cfg config.LearningConfig, clock clockwork.Clock, logger *slog.Logger) *Engine {
	return &Engine{
		lessons:      lessons,
		applications: applications,
		cfg:          cfg,
		clock:        clock,
		logger:       logger,
	}
}

// Match filters similarity hits down to applicable rules. Hits without an
// attached lesson, below the similarity or confidence floors, or pointing to
// an inactive lesson are discarded. Results are sorted by effective weight,
// highest first.
func (e *Engine) Match(ctx context.Context, hits []models.SimilarContext) []ApplicableRule {
	var applicable []ApplicableRule

	for _, hit := range hits {
		if hit.LessonID == "" {
			continue
		}
		if hit.Similarity < e.cfg.MinSimilarity {
			continue
		}
		if hit.LLMConfidence != nil && *hit.LLMConfidence < e.cfg.MinRuleConfidence {
			continue
		}

		lesson, err := e.lessons.Get(ctx, hit.LessonID)
		if err != nil {
			e.logger.Error("failed to fetch lesson", "lesson_id", hit.LessonID, "error", err)
			continue
		}
		if lesson == nil || !lesson.IsActive {
			continue
		}

		confidence := lesson.LLMConfidence
		if hit.LLMConfidence != nil {
			confidence = *hit.LLMConfidence
		}

		rule := ApplicableRule{
			LessonID:          hit.LessonID,
			FailureCause:      firstNonEmpty(hit.FailureCause, lesson.FailureCause),
			ContextSignature:  lesson.ContextSignature,
			GeneralizedRule:   firstNonEmpty(hit.GeneralizedRule, lesson.GeneralizedRule),
			Adjustment:        lesson.Adjustment,
			LLMConfidence:     confidence,
			ContextSimilarity: hit.Similarity,
		}
		applicable = append(applicable, rule)
	}

	sort.SliceStable(applicable, func(i, j int) bool {
		return applicable[i].EffectiveWeight() > applicable[j].EffectiveWeight()
	})

	return applicable
}

// Apply fuses the applicable rules into one bounded adjustment and applies it
// uniformly across the prediction horizon. With no rules the input passes
// through unchanged at confidence 1.0. Audit persistence failures are logged
// and swallowed; the computed adjustment is still returned.
func (e *Engine) Apply(ctx context.Context, predictions []float64, applicable []ApplicableRule, forecastEventID string, currentContext map[string]interface{}) AdjustmentResult {
	original := append([]float64(nil), predictions...)

	if len(applicable) == 0 {
		return AdjustmentResult{
			AdjustedPredictions: append([]float64(nil), predictions...),
			OriginalPredictions: original,
			TotalAdjustmentPct:  0,
			Explanation:         "No applicable rules found",
			Confidence:          1.0,
		}
	}

	blended, applications := e.blend(predictions, applicable, forecastEventID, currentContext)

	factor := 1.0 + blended/100.0
	adjusted := make([]float64, len(predictions))
	for i, p := range predictions {
		adjusted[i] = p * factor
	}

	var weightSum float64
	for _, rule := range applicable {
		weightSum += rule.EffectiveWeight()
	}

	for i := range applications {
		e.storeApplication(ctx, &applications[i])
	}

	return AdjustmentResult{
		AdjustedPredictions: adjusted,
		OriginalPredictions: original,
		AppliedRules:        applications,
		TotalAdjustmentPct:  blended,
		Explanation:         explain(applications, blended),
		Confidence:          weightSum / float64(len(applicable)),
	}
}

// UpdateOutcome annotates a past application once actuals are known. It never
// affects already-served output.
func (e *Engine) UpdateOutcome(ctx context.Context, applicationID string, wasBeneficial bool, benefitScore float64) error {
	if e.applications == nil {
		return fmt.Errorf("rule application store unavailable")
	}
	return e.applications.UpdateOutcome(ctx, applicationID, wasBeneficial, benefitScore)
}

// ActiveRulesSummary lists the top active lessons with their statistics.
func (e *Engine) ActiveRulesSummary(ctx context.Context) ([]models.GeneralizedLesson, error) {
	if e.lessons == nil {
		return nil, nil
	}
	return e.lessons.ActiveWithStats(ctx, 10)
}

// blend computes the weight-normalized fused adjustment and materializes one
// audit row per rule at the representative first index. The fused value is
// clamped to the safety band as a second line of defense beyond the per-rule
// cap.
func (e *Engine) blend(predictions []float64, rules []ApplicableRule, forecastEventID string, currentContext map[string]interface{}) (float64, []models.RuleApplication) {
	applications := make([]models.RuleApplication, 0, len(rules))
	var totalWeight, weightedAdjustment float64

	var examplePred float64
	if len(predictions) > 0 {
		examplePred = predictions[0]
	}

	appliedAt := e.clock.Now().UTC()

	for _, rule := range rules {
		weight := rule.EffectiveWeight()
		adjustment := rule.EffectiveAdjustment(e.cfg.MaxAdjustmentPct)

		weightedAdjustment += adjustment * weight
		totalWeight += weight

		factor := 1.0 + adjustment/100.0
		applications = append(applications, models.RuleApplication{
			ForecastEventID:    forecastEventID,
			LessonID:           rule.LessonID,
			PredictionIndex:    0,
			OriginalPrediction: examplePred,
			AdjustedPrediction: examplePred * factor,
			AdjustmentFactor:   factor,
			MatchConfidence:    weight,
			Explanation:        fmt.Sprintf("Applied '%s' due to %s", rule.GeneralizedRule, strings.Join(rule.ContextSignature, ", ")),
			CurrentContext:     currentContext,
			AppliedAt:          appliedAt,
		})
	}

	var blended float64
	if totalWeight > 0 {
		blended = weightedAdjustment / totalWeight
	}

	if blended > e.cfg.MaxAdjustmentPct {
		blended = e.cfg.MaxAdjustmentPct
	}
	if blended < -e.cfg.MaxAdjustmentPct {
		blended = -e.cfg.MaxAdjustmentPct
	}

	return blended, applications
}

func (e *Engine) storeApplication(ctx context.Context, app *models.RuleApplication) {
	if e.applications == nil {
		e.logger.Info("rule applied (no persistence)", "explanation", app.Explanation)
		return
	}
	if err := e.applications.Create(ctx, app); err != nil {
		e.logger.Error("failed to store rule application", "lesson_id", app.LessonID, "error", err)
		return
	}
	if e.lessons != nil {
		if err := e.lessons.BumpStats(ctx, app.LessonID); err != nil {
			e.logger.Error("failed to update lesson stats", "lesson_id", app.LessonID, "error", err)
		}
	}
}

func explain(applications []models.RuleApplication, total float64) string {
	if len(applications) == 0 {
		return "No adjustments applied."
	}

	parts := []string{fmt.Sprintf("Applied %d rule(s), total adjustment: %+.1f%%", len(applications), total)}
	for i, app := range applications {
		if i == 3 {
			parts = append(parts, fmt.Sprintf("  (and %d more...)", len(applications)-3))
			break
		}
		parts = append(parts, "- "+app.Explanation)
	}
	return strings.Join(parts, "\n")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
