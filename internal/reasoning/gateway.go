package reasoning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/powercast/powercast/internal/config"
	"github.com/powercast/powercast/internal/models"
)

// LessonStore persists validated analyses as lessons.
type LessonStore interface {
	Create(ctx context.Context, lesson *models.GeneralizedLesson) (string, error)
}

// Gateway wraps a reasoning provider with validation, bounded retries and a
// deterministic fallback. Callers always get a usable analysis back.
type Gateway struct {
	provider         Provider
	lessons          LessonStore
	maxRetries       int
	maxAdjustmentPct float64
	logger           *slog.Logger

	// OnFallback, when set, is invoked each time an analysis degrades to the
	// deterministic fallback rule.
	OnFallback func()
}

// NewGateway constructs a gateway. provider may be nil; every analysis then
// takes the fallback path. maxAdjustmentPct is the safety ceiling proposed
// magnitudes are validated against.
func NewGateway(provider Provider, lessons LessonStore, maxRetries int, maxAdjustmentPct float64, logger *slog.Logger) *Gateway {
	if maxRetries < 1 {
		maxRetries = 3
	}
	if maxAdjustmentPct <= 0 {
		maxAdjustmentPct = config.DefaultLearningConfig().MaxAdjustmentPct
	}
	return &Gateway{
		provider:         provider,
		lessons:          lessons,
		maxRetries:       maxRetries,
		maxAdjustmentPct: maxAdjustmentPct,
		logger:           logger,
	}
}

// AnalyzeError analyzes one forecast error. Provider failures and invalid
// responses are retried up to the configured budget; exhausting it yields the
// deterministic fallback rule for the error type, never an error.
func (g *Gateway) AnalyzeError(ctx context.Context, req AnalysisRequest) AnalysisResult {
	if g.provider == nil {
		g.logger.Warn("reasoning provider unavailable, using fallback", "error_type", req.ErrorType)
		return g.fallback(req)
	}

	for attempt := 1; attempt <= g.maxRetries; attempt++ {
		result, err := g.provider.Analyze(ctx, req)
		if err != nil {
			g.logger.Error("analysis attempt failed", "attempt", attempt, "error", err)
			continue
		}
		if err := Validate(result, g.maxAdjustmentPct); err != nil {
			g.logger.Warn("analysis rejected by validation", "attempt", attempt, "error", err)
			continue
		}

		g.logger.Info("analysis accepted",
			"error_type", req.ErrorType,
			"adjustment_type", result.Adjustment.Type,
			"magnitude_pct", result.Adjustment.MagnitudePct,
			"confidence", result.Confidence)
		return result
	}

	g.logger.Warn("analysis retries exhausted, using fallback", "error_type", req.ErrorType)
	return g.fallback(req)
}

func (g *Gateway) fallback(req AnalysisRequest) AnalysisResult {
	if g.OnFallback != nil {
		g.OnFallback()
	}
	return Fallback(req.ErrorType, req.Severity, req.WeatherContext)
}

// StoreLesson persists a validated analysis as a new active lesson tied to
// its context snapshot. Duplicate lessons are acceptable; they compete during
// fusion.
func (g *Gateway) StoreLesson(ctx context.Context, snapshotID string, result AnalysisResult) (string, error) {
	if err := Validate(result, g.maxAdjustmentPct); err != nil {
		return "", fmt.Errorf("refusing to store invalid analysis: %w", err)
	}

	lesson := &models.GeneralizedLesson{
		ContextSnapshotID: snapshotID,
		FailureCause:      result.FailureCause,
		ContextSignature:  result.ContextSignature,
		GeneralizedRule:   result.GeneralizedRule,
		Adjustment:        result.Adjustment,
		LLMConfidence:     result.Confidence,
		IsActive:          true,
	}

	id, err := g.lessons.Create(ctx, lesson)
	if err != nil {
		return "", fmt.Errorf("failed to store lesson: %w", err)
	}

	g.logger.Info("stored lesson", "lesson_id", id, "snapshot_id", snapshotID)
	return id, nil
}

// Healthy reports whether a live provider is configured.
func (g *Gateway) Healthy() bool {
	return g.provider != nil
}

// fallbackAdjustments keys conservative corrective parameters by error type.
var fallbackAdjustments = map[models.ErrorType]models.AdjustmentParams{
	models.ErrorTypeMAPESpike: {Type: models.AdjustmentScale, Direction: models.DirectionUp, MagnitudePct: 5},
	models.ErrorTypePeakMiss:  {Type: models.AdjustmentPeak, Direction: models.DirectionUp, MagnitudePct: 8},
	models.ErrorTypeRampError: {Type: models.AdjustmentRamp, Direction: models.DirectionUp, MagnitudePct: 6},
	models.ErrorTypeBias:      {Type: models.AdjustmentBias, Direction: models.DirectionUp, MagnitudePct: 4},
	models.ErrorTypeVariance:  {Type: models.AdjustmentVariance, Direction: models.DirectionUp, MagnitudePct: 5},
}

// Fallback produces the deterministic analysis used when the provider is
// unavailable or keeps answering garbage. Confidence is fixed at 0.5 so
// fallback lessons contribute proportionally less during fusion.
func Fallback(errorType models.ErrorType, severity models.Severity, weather models.WeatherContext) AnalysisResult {
	adjustment, ok := fallbackAdjustments[errorType]
	if !ok {
		adjustment = fallbackAdjustments[models.ErrorTypeMAPESpike]
	}

	signature := []string{string(errorType)}
	if strings.Contains(weather.Condition, "heatwave") {
		signature = append(signature, "heatwave")
	}
	if strings.Contains(weather.Condition, "cold") {
		signature = append(signature, "cold_snap")
	}

	return AnalysisResult{
		FailureCause:     fmt.Sprintf("Fallback analysis: %s detected with %s severity", errorType, severity),
		ContextSignature: signature,
		GeneralizedRule:  fmt.Sprintf("When similar conditions occur, apply %.0f%% %sward %s adjustment", adjustment.MagnitudePct, adjustment.Direction, adjustment.Type),
		Adjustment:       adjustment,
		Confidence:       0.5,
	}
}
