// Package adjuster is the serving-path orchestrator of the learning loop. It
// sits between the base forecast model and the API response: log the
// forecast, look up applicable lessons, fuse and apply them, and attach an
// explanation. A failure anywhere in the pipeline returns the base forecast
// unchanged; this layer can degrade but never block a forecast.
package adjuster

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/powercast/powercast/internal/config"
	"github.com/powercast/powercast/internal/contextengine"
	"github.com/powercast/powercast/internal/eventlog"
	"github.com/powercast/powercast/internal/models"
	"github.com/powercast/powercast/internal/rules"
)

// RuleEngine is the matching and fusion surface the adjuster drives.
type RuleEngine interface {
	Match(ctx context.Context, hits []models.SimilarContext) []rules.ApplicableRule
	Apply(ctx context.Context, predictions []float64, applicable []rules.ApplicableRule, forecastEventID string, currentContext map[string]interface{}) rules.AdjustmentResult
}

// LessonFinder retrieves lessons applicable to current conditions.
type LessonFinder interface {
	FindApplicableLessons(ctx context.Context, regionCode string, at time.Time) ([]models.SimilarContext, error)
}

// AppliedRule is the API-facing digest of one contributing rule.
type AppliedRule struct {
	LessonID         string  `json:"lesson_id"`
	Explanation      string  `json:"explanation"`
	AdjustmentFactor float64 `json:"adjustment_factor"`
	Confidence       float64 `json:"confidence"`
}

// AdjustmentMetadata describes what the adjustment layer did to a forecast.
type AdjustmentMetadata struct {
	Adjusted             bool          `json:"adjusted"`
	TotalAdjustmentPct   float64       `json:"total_adjustment_pct"`
	AppliedRulesCount    int           `json:"applied_rules_count"`
	AppliedRules         []AppliedRule `json:"applied_rules"`
	Explanation          string        `json:"explanation"`
	AdjustmentConfidence float64       `json:"adjustment_confidence"`
}

// Request is a base forecast entering the adjustment pipeline.
type Request struct {
	RegionCode    string                  `json:"region_code"`
	ModelVersion  string                  `json:"model_version"`
	ForecastStart time.Time               `json:"forecast_start"`
	HorizonHours  int                     `json:"horizon_hours"`
	Predictions   models.PredictionSeries `json:"predictions"`
	InputFeatures map[string]float64      `json:"input_features,omitempty"`
	Metadata      map[string]interface{}  `json:"metadata,omitempty"`
}

// Response is the forecast leaving the pipeline, adjusted or not, with the
// event id it was logged under and the adjustment explanation.
type Response struct {
	ForecastEventID string                  `json:"forecast_event_id"`
	Predictions     models.PredictionSeries `json:"predictions"`
	Metadata        AdjustmentMetadata      `json:"adjustment_metadata"`
}

// Adjuster orchestrates logging, lesson lookup and rule application.
type Adjuster struct {
	events *eventlog.Logger
	finder LessonFinder
	engine RuleEngine
	cfg    config.LearningConfig
	clock  clockwork.Clock
	logger *slog.Logger
}

// New constructs an adjuster. finder and engine may be nil; the pipeline then
// logs forecasts but never adjusts them.
func New(events *eventlog.Logger, finder LessonFinder, engine RuleEngine, cfg config.LearningConfig, clock clockwork.Clock, logger *slog.Logger) *Adjuster {
	return &Adjuster{
		events: events,
		finder: finder,
		engine: engine,
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}
}

// Adjust runs one forecast through the pipeline. It never returns an error:
// any failure downgrades to the unadjusted base forecast with an explanatory
// note.
func (a *Adjuster) Adjust(ctx context.Context, req Request) (resp Response) {
	resp = Response{
		Predictions: req.Predictions,
		Metadata:    AdjustmentMetadata{AdjustmentConfidence: 1.0},
	}

	if len(req.Predictions.Point) == 0 {
		resp.Metadata.Explanation = "Empty forecast, nothing to adjust"
		return resp
	}

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("adjustment pipeline panicked", "region", req.RegionCode, "panic", r)
			resp.Predictions = req.Predictions
			resp.Metadata = AdjustmentMetadata{
				Explanation:          "Adjustment layer unavailable",
				AdjustmentConfidence: 1.0,
			}
		}
	}()

	resp.ForecastEventID = a.events.Log(ctx, req.RegionCode, req.ModelVersion, req.ForecastStart, req.HorizonHours, req.Predictions, req.InputFeatures, req.Metadata)

	if !a.cfg.AdjustmentsEnabled {
		resp.Metadata.Explanation = "Adjustments disabled by feature flag"
		return resp
	}

	applicable := a.findApplicableRules(ctx, req.RegionCode)
	if len(applicable) == 0 {
		resp.Metadata.Explanation = "No applicable rules found for current context"
		return resp
	}

	result := a.engine.Apply(ctx, req.Predictions.Point, applicable, resp.ForecastEventID, a.currentContext(req.RegionCode))

	resp.Predictions = rescale(req.Predictions, result.AdjustedPredictions)
	resp.Metadata = AdjustmentMetadata{
		Adjusted:             true,
		TotalAdjustmentPct:   result.TotalAdjustmentPct,
		AppliedRulesCount:    len(result.AppliedRules),
		AppliedRules:         digestRules(result.AppliedRules),
		Explanation:          result.Explanation,
		AdjustmentConfidence: result.Confidence,
	}

	a.logger.Info("adjusted forecast",
		"forecast_event_id", resp.ForecastEventID,
		"region", req.RegionCode,
		"adjustment_pct", result.TotalAdjustmentPct,
		"rules_applied", len(result.AppliedRules))
	return resp
}

// Healthy reports whether the full pipeline is wired.
func (a *Adjuster) Healthy() bool {
	return a.events != nil && a.finder != nil && a.engine != nil
}

func (a *Adjuster) findApplicableRules(ctx context.Context, regionCode string) []rules.ApplicableRule {
	if a.finder == nil || a.engine == nil {
		return nil
	}

	hits, err := a.finder.FindApplicableLessons(ctx, regionCode, a.clock.Now().UTC())
	if err != nil {
		a.logger.Error("lesson lookup failed", "region", regionCode, "error", err)
		return nil
	}
	if len(hits) == 0 {
		return nil
	}

	return a.engine.Match(ctx, hits)
}

func (a *Adjuster) currentContext(regionCode string) map[string]interface{} {
	now := a.clock.Now().UTC()
	event := contextengine.CalendarContext(now)
	return map[string]interface{}{
		"region_code": regionCode,
		"timestamp":   now.Format(time.RFC3339),
		"is_weekend":  event.IsWeekend,
		"day_of_week": event.DayOfWeek,
		"hour_of_day": event.HourOfDay,
	}
}

// rescale replaces the point series with the adjusted values and moves the
// quantile bounds proportionally so the interval keeps its shape around the
// new point.
func rescale(base models.PredictionSeries, adjusted []float64) models.PredictionSeries {
	out := models.PredictionSeries{
		Timestamps: base.Timestamps,
		Point:      adjusted,
	}

	if len(base.Q10) == len(base.Point) {
		out.Q10 = make([]float64, len(base.Q10))
	}
	if len(base.Q90) == len(base.Point) {
		out.Q90 = make([]float64, len(base.Q90))
	}

	for i := range adjusted {
		ratio := 1.0
		if base.Point[i] != 0 {
			ratio = adjusted[i] / base.Point[i]
		}
		if out.Q10 != nil {
			out.Q10[i] = base.Q10[i] * ratio
		}
		if out.Q90 != nil {
			out.Q90[i] = base.Q90[i] * ratio
		}
	}
	return out
}

func digestRules(applications []models.RuleApplication) []AppliedRule {
	digest := make([]AppliedRule, 0, len(applications))
	for i, app := range applications {
		if i == 5 {
			break
		}
		digest = append(digest, AppliedRule{
			LessonID:         app.LessonID,
			Explanation:      app.Explanation,
			AdjustmentFactor: app.AdjustmentFactor,
			Confidence:       app.MatchConfidence,
		})
	}
	return digest
}
