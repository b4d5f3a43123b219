// Package reasoning turns analyzed forecast errors into validated corrective
// lessons. The language model proposes qualitative rules; everything numeric
// it emits is schema-checked and bounded before it can touch a forecast, and
// an exhausted retry budget degrades to a deterministic fallback rule rather
// than an error.
package reasoning

import (
	"fmt"
	"time"

	"github.com/powercast/powercast/internal/models"
)

// AnalysisResult is the structured output of an error analysis. Instances
// that fail Validate never leave the gateway.
type AnalysisResult struct {
	FailureCause     string                  `json:"failure_cause"`
	ContextSignature []string                `json:"context_signature"`
	GeneralizedRule  string                  `json:"generalized_rule"`
	Adjustment       models.AdjustmentParams `json:"adjustment_params"`
	Confidence       float64                 `json:"confidence"`
}

// AnalysisRequest carries everything the provider needs to reason about one
// forecast error.
type AnalysisRequest struct {
	ErrorType      models.ErrorType
	Severity       models.Severity
	RegionCode     string
	ErrorTime      time.Time
	MAPE           *float64
	PeakErrorMW    *float64
	RampErrorMWH   *float64
	ContextSummary string
	WeatherContext models.WeatherContext
	GridNotices    []models.GridNotice
	EventContext   models.EventContext
	SimilarErrors  []models.SimilarContext
}

// signatureVocabulary is the closed tag set lessons may be keyed on. Tags
// outside it are rejected, not dropped, so a sloppy model response gets
// retried instead of silently degraded.
var signatureVocabulary = map[string]bool{
	"heatwave": true, "cold_snap": true,
	"weekday": true, "weekend": true,
	"morning": true, "afternoon": true, "evening": true, "night": true,
	"holiday":   true,
	"solar_dip": true, "solar_peak": true,
	"wind_high": true, "wind_low": true,
	"overcast": true, "clear_sky": true,
	"maintenance": true, "grid_stress": true,
	// error types double as signature tags for fallback lessons
	"mape_spike": true, "peak_miss": true, "ramp_error": true,
	"bias": true, "variance": true,
}

var validAdjustmentTypes = map[models.AdjustmentType]bool{
	models.AdjustmentRamp:     true,
	models.AdjustmentPeak:     true,
	models.AdjustmentBias:     true,
	models.AdjustmentVariance: true,
	models.AdjustmentScale:    true,
}

// ValidateAdjustment checks adjustment parameters against their schema.
// maxPct is the configured safety ceiling; out-of-range magnitudes are
// errors, never clamped.
func ValidateAdjustment(p models.AdjustmentParams, maxPct float64) error {
	if !validAdjustmentTypes[p.Type] {
		return fmt.Errorf("invalid adjustment type: %q", p.Type)
	}
	if p.Direction != models.DirectionUp && p.Direction != models.DirectionDown {
		return fmt.Errorf("invalid adjustment direction: %q", p.Direction)
	}
	if p.MagnitudePct < 0 || p.MagnitudePct > maxPct {
		return fmt.Errorf("magnitude %.1f%% outside [0, %.1f]", p.MagnitudePct, maxPct)
	}
	return nil
}

// Validate checks a full analysis result against the output schema. maxPct
// bounds the adjustment magnitude.
func Validate(r AnalysisResult, maxPct float64) error {
	if len(r.FailureCause) < 10 {
		return fmt.Errorf("failure cause too short: %q", r.FailureCause)
	}
	if len(r.GeneralizedRule) < 10 {
		return fmt.Errorf("generalized rule too short: %q", r.GeneralizedRule)
	}
	if len(r.ContextSignature) == 0 {
		return fmt.Errorf("context signature is empty")
	}
	for _, tag := range r.ContextSignature {
		if !signatureVocabulary[tag] {
			return fmt.Errorf("unknown context signature tag: %q", tag)
		}
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %.2f outside [0, 1]", r.Confidence)
	}
	return ValidateAdjustment(r.Adjustment, maxPct)
}
