package models

import (
	"time"
)

// ErrorType classifies a detected forecast failure.
type ErrorType string

const (
	ErrorTypeMAPESpike ErrorType = "mape_spike"
	ErrorTypePeakMiss  ErrorType = "peak_miss"
	ErrorTypeRampError ErrorType = "ramp_error"
	ErrorTypeBias      ErrorType = "bias"
	ErrorTypeVariance  ErrorType = "variance"
)

// Severity grades how badly a forecast missed.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRanks = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the ordinal position of the severity, LOW being 0.
func (s Severity) Rank() int {
	return severityRanks[s]
}

// Escalate bumps the severity one level, capped at CRITICAL.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// TriggersAnalysis reports whether this severity warrants contextual analysis.
func (s Severity) TriggersAnalysis() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// ForecastError records a classified deviation between a served forecast and
// the observed actuals. AnalysisTriggered flips once, only for HIGH and
// CRITICAL severities.
type ForecastError struct {
	ID                  string     `json:"id"`
	ForecastEventID     string     `json:"forecast_event_id"`
	ErrorType           ErrorType  `json:"error_type"`
	Severity            Severity   `json:"severity"`
	MAPE                *float64   `json:"mape,omitempty"`
	MAE                 *float64   `json:"mae,omitempty"`
	PeakErrorMW         *float64   `json:"peak_error_mw,omitempty"`
	RampErrorMWPerHour  *float64   `json:"ramp_error_mw_per_hour,omitempty"`
	ActualValues        []float64  `json:"actual_values,omitempty"`
	AnalysisTriggered   bool       `json:"analysis_triggered"`
	AnalysisCompletedAt *time.Time `json:"analysis_completed_at,omitempty"`
	Notes               string     `json:"notes,omitempty"`
	ObservedAt          time.Time  `json:"observed_at"`
}
