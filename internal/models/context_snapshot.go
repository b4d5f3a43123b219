package models

import (
	"time"
)

// WeatherContext captures the weather conditions relevant to load forecasting.
type WeatherContext struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	WindSpeed   float64 `json:"wind_speed"`
	CloudCover  float64 `json:"cloud_cover"`
	Pressure    float64 `json:"pressure,omitempty"`
	Irradiance  float64 `json:"irradiance,omitempty"`
	Condition   string  `json:"condition,omitempty"`
}

// GridNotice is an operator bulletin in effect during a context window.
type GridNotice struct {
	Type     string    `json:"type"`
	Message  string    `json:"message"`
	IssuedAt time.Time `json:"issued_at,omitempty"`
}

// EventContext holds calendar facts for a context window.
type EventContext struct {
	IsWeekend     bool     `json:"is_weekend"`
	DayOfWeek     string   `json:"day_of_week"`
	HourOfDay     int      `json:"hour_of_day"`
	Holidays      []string `json:"holidays,omitempty"`
	SpecialEvents []string `json:"special_events,omitempty"`
}

// ContextSnapshot freezes the conditions that surrounded a forecast error.
// Created once per analyzed error; immutable afterwards. A snapshot without
// an embedding is usable but cannot be retrieved by similarity search.
type ContextSnapshot struct {
	ID              string         `json:"id"`
	ForecastErrorID string         `json:"forecast_error_id"`
	RegionCode      string         `json:"region_code"`
	WindowStart     time.Time      `json:"window_start"`
	WindowEnd       time.Time      `json:"window_end"`
	WeatherContext  WeatherContext `json:"weather_context"`
	GridNotices     []GridNotice   `json:"grid_notices,omitempty"`
	EventContext    EventContext   `json:"event_context"`
	Summary         string         `json:"summary"`
	Embedding       []float32      `json:"-"`
	CreatedAt       time.Time      `json:"created_at"`
}

// SimilarContext is one retrieval hit from the vector backend, joined to the
// lesson minted from that snapshot when one exists.
type SimilarContext struct {
	SnapshotID       string   `json:"snapshot_id"`
	LessonID         string   `json:"lesson_id,omitempty"`
	FailureCause     string   `json:"failure_cause,omitempty"`
	ContextSignature []string `json:"context_signature,omitempty"`
	GeneralizedRule  string   `json:"generalized_rule,omitempty"`
	Similarity       float64  `json:"similarity"`
	LLMConfidence    *float64 `json:"llm_confidence,omitempty"`
}
