package models

import (
	"time"
)

// AdjustmentType names the shape of a corrective adjustment.
type AdjustmentType string

const (
	AdjustmentRamp     AdjustmentType = "ramp"
	AdjustmentPeak     AdjustmentType = "peak"
	AdjustmentBias     AdjustmentType = "bias"
	AdjustmentVariance AdjustmentType = "variance"
	AdjustmentScale    AdjustmentType = "scale"
)

// Direction is the sign of an adjustment.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// AdjustmentParams are the bounded corrective parameters of a lesson.
// MagnitudePct must stay inside [0, 15]; anything outside is rejected during
// validation, never silently clamped.
type AdjustmentParams struct {
	Type         AdjustmentType `json:"adjustment_type"`
	Direction    Direction      `json:"direction"`
	MagnitudePct float64        `json:"magnitude_pct"`
}

// GeneralizedLesson is a persisted corrective rule derived from a past
// forecast error. Mutated only by deactivation or a statistics update.
type GeneralizedLesson struct {
	ID                string           `json:"id"`
	ContextSnapshotID string           `json:"context_snapshot_id"`
	FailureCause      string           `json:"failure_cause"`
	ContextSignature  []string         `json:"context_signature"`
	GeneralizedRule   string           `json:"generalized_rule"`
	Adjustment        AdjustmentParams `json:"adjustment_params"`
	LLMConfidence     float64          `json:"llm_confidence"`
	IsActive          bool             `json:"is_active"`
	ApplicationCount  int              `json:"application_count"`
	SuccessRate       float64          `json:"success_rate"`
	CreatedAt         time.Time        `json:"created_at"`
}
