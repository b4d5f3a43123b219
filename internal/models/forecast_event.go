package models

import (
	"time"
)

// PredictionSeries holds the aligned arrays of a served forecast.
type PredictionSeries struct {
	Timestamps []time.Time `json:"timestamps"`
	Point      []float64   `json:"point"`
	Q10        []float64   `json:"q10,omitempty"`
	Q90        []float64   `json:"q90,omitempty"`
}

// PredictionPoint is one horizon step of an API-level forecast.
type PredictionPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Point     float64   `json:"point"`
	Q10       float64   `json:"q10,omitempty"`
	Q90       float64   `json:"q90,omitempty"`
}

// ForecastEvent is the immutable record of a forecast that was served.
// It is created exactly once per forecast and never updated; adjustments
// always produce a new output series, never a rewrite of this record.
type ForecastEvent struct {
	ID            string                 `json:"id"`
	RegionCode    string                 `json:"region_code"`
	ModelVersion  string                 `json:"model_version"`
	ForecastStart time.Time              `json:"forecast_start"`
	HorizonHours  int                    `json:"horizon_hours"`
	Predictions   PredictionSeries       `json:"predictions"`
	InputFeatures map[string]float64     `json:"input_features,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	ObservedAt    *time.Time             `json:"observed_at,omitempty"`
}
