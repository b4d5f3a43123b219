package models

import (
	"time"
)

// RuleApplication is an append-only audit row written every time a lesson
// contributes to an adjustment. WasBeneficial and BenefitScore are annotated
// later, once actuals are known; annotation never alters served output.
type RuleApplication struct {
	ID                 string                 `json:"id"`
	ForecastEventID    string                 `json:"forecast_event_id"`
	LessonID           string                 `json:"lesson_id"`
	PredictionIndex    int                    `json:"prediction_index"`
	OriginalPrediction float64                `json:"original_prediction"`
	AdjustedPrediction float64                `json:"adjusted_prediction"`
	AdjustmentFactor   float64                `json:"adjustment_factor"`
	MatchConfidence    float64                `json:"match_confidence"`
	Explanation        string                 `json:"explanation"`
	CurrentContext     map[string]interface{} `json:"current_context,omitempty"`
	WasBeneficial      *bool                  `json:"was_beneficial,omitempty"`
	BenefitScore       *float64               `json:"benefit_score,omitempty"`
	AppliedAt          time.Time              `json:"applied_at"`

	// Filled from the lesson join on the read path, never written.
	FailureCause    string `json:"failure_cause,omitempty"`
	GeneralizedRule string `json:"generalized_rule,omitempty"`
}
