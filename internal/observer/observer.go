// Package observer compares served forecasts against observed actuals and
// classifies the failures worth learning from. It runs off the serving path,
// after actuals arrive.
package observer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/powercast/powercast/internal/config"
	"github.com/powercast/powercast/internal/models"
)

// ErrorRepository persists classified forecast errors.
type ErrorRepository interface {
	Create(ctx context.Context, ferr *models.ForecastError) error
	PendingAnalysis(ctx context.Context, limit int) ([]models.ForecastError, error)
}

// Observer detects and classifies forecast errors.
type Observer struct {
	thresholds config.LearningConfig
	repo       ErrorRepository
	clock      clockwork.Clock
	logger     *slog.Logger
}

// New constructs an Observer. repo may be nil, in which case detected errors
// are logged but not persisted.
func New(thresholds config.LearningConfig, repo ErrorRepository, clock clockwork.Clock, logger *slog.Logger) *Observer {
	return &Observer{
		thresholds: thresholds,
		repo:       repo,
		clock:      clock,
		logger:     logger,
	}
}

// Analyze runs the four error checks on one completed forecast. Both series
// are aligned to the shorter length; empty input yields no errors. LOW
// severity findings are discarded. The call never fails: internal problems
// are logged and produce an empty result, and persistence errors do not
// remove a detected error from the return value.
func (o *Observer) Analyze(ctx context.Context, forecastEventID string, predictions models.PredictionSeries, actuals []float64) []models.ForecastError {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("error analysis panicked", "forecast_event_id", forecastEventID, "panic", r)
		}
	}()

	point := predictions.Point
	n := len(point)
	if len(actuals) < n {
		n = len(actuals)
	}
	if n == 0 {
		return nil
	}

	point = point[:n]
	actuals = actuals[:n]
	q10 := quantileOrDefault(predictions.Q10, point, 0.9, n)
	q90 := quantileOrDefault(predictions.Q90, point, 1.1, n)

	observedAt := o.clock.Now().UTC()
	var errors []models.ForecastError

	checks := []func() *models.ForecastError{
		func() *models.ForecastError { return o.checkMAPE(forecastEventID, point, actuals) },
		func() *models.ForecastError { return o.checkPeakMiss(forecastEventID, point, actuals) },
		func() *models.ForecastError { return o.checkRamp(forecastEventID, point, actuals) },
		func() *models.ForecastError { return o.checkCoverage(forecastEventID, q10, q90, actuals) },
	}

	for _, check := range checks {
		if ferr := check(); ferr != nil {
			ferr.ActualValues = actuals
			ferr.ObservedAt = observedAt
			ferr.AnalysisTriggered = ferr.Severity.TriggersAnalysis()
			errors = append(errors, *ferr)
		}
	}

	for i := range errors {
		o.store(ctx, &errors[i])
	}

	o.logger.Info("analyzed forecast", "forecast_event_id", forecastEventID, "errors_detected", len(errors))
	return errors
}

// PendingAnalysis lists HIGH/CRITICAL errors awaiting the learning pipeline.
func (o *Observer) PendingAnalysis(ctx context.Context, limit int) ([]models.ForecastError, error) {
	if o.repo == nil {
		return nil, nil
	}
	return o.repo.PendingAnalysis(ctx, limit)
}

func (o *Observer) store(ctx context.Context, ferr *models.ForecastError) {
	if o.repo == nil {
		o.logger.Info("error detected (no persistence)", "type", ferr.ErrorType, "severity", ferr.Severity)
		return
	}
	if err := o.repo.Create(ctx, ferr); err != nil {
		o.logger.Error("failed to store forecast error", "type", ferr.ErrorType, "error", err)
	}
}

func (o *Observer) checkMAPE(forecastEventID string, predictions, actuals []float64) *models.ForecastError {
	var pctSum float64
	var pctCount int
	var absSum float64

	for i := range actuals {
		absSum += math.Abs(actuals[i] - predictions[i])
		if actuals[i] != 0 {
			pctSum += math.Abs((actuals[i] - predictions[i]) / actuals[i])
			pctCount++
		}
	}
	if pctCount == 0 {
		return nil
	}

	mape := pctSum / float64(pctCount) * 100
	mae := absSum / float64(len(actuals))

	severity, ok := bandSeverity(mape, o.thresholds.MAPELow, o.thresholds.MAPEMedium, o.thresholds.MAPEHigh, o.thresholds.MAPECritical)
	if !ok || severity == models.SeverityLow {
		return nil
	}

	return &models.ForecastError{
		ForecastEventID: forecastEventID,
		ErrorType:       models.ErrorTypeMAPESpike,
		Severity:        severity,
		MAPE:            &mape,
		MAE:             &mae,
		Notes:           fmt.Sprintf("MAPE: %.2f%%, MAE: %.2f MW", mape, mae),
	}
}

func (o *Observer) checkPeakMiss(forecastEventID string, predictions, actuals []float64) *models.ForecastError {
	predIdx := argmax(predictions)
	actualIdx := argmax(actuals)

	peakErr := math.Abs(predictions[predIdx] - actuals[actualIdx])
	timingOffset := predIdx - actualIdx
	if timingOffset < 0 {
		timingOffset = -timingOffset
	}

	severity, ok := bandSeverity(peakErr, o.thresholds.PeakLow, o.thresholds.PeakMedium, o.thresholds.PeakHigh, o.thresholds.PeakCritical)
	if !ok {
		return nil
	}
	if timingOffset > o.thresholds.PeakTimingEscalationSteps {
		severity = severity.Escalate()
	}
	if severity == models.SeverityLow {
		return nil
	}

	return &models.ForecastError{
		ForecastEventID: forecastEventID,
		ErrorType:       models.ErrorTypePeakMiss,
		Severity:        severity,
		PeakErrorMW:     &peakErr,
		Notes:           fmt.Sprintf("Peak error: %.0f MW, timing off by %d minutes", peakErr, timingOffset*15),
	}
}

func (o *Observer) checkRamp(forecastEventID string, predictions, actuals []float64) *models.ForecastError {
	if len(predictions) < 2 {
		return nil
	}

	var maxRampErr float64
	for i := 1; i < len(predictions); i++ {
		predRamp := predictions[i] - predictions[i-1]
		actualRamp := actuals[i] - actuals[i-1]
		if diff := math.Abs(predRamp - actualRamp); diff > maxRampErr {
			maxRampErr = diff
		}
	}

	// 15-minute intervals: x4 to express MW/hour
	rampPerHour := maxRampErr * 4

	severity, ok := bandSeverity(rampPerHour, o.thresholds.RampLow, o.thresholds.RampMedium, o.thresholds.RampHigh, o.thresholds.RampCritical)
	if !ok || severity == models.SeverityLow {
		return nil
	}

	return &models.ForecastError{
		ForecastEventID:    forecastEventID,
		ErrorType:          models.ErrorTypeRampError,
		Severity:           severity,
		RampErrorMWPerHour: &rampPerHour,
		Notes:              fmt.Sprintf("Max ramp error: %.0f MW/hour", rampPerHour),
	}
}

func (o *Observer) checkCoverage(forecastEventID string, q10, q90, actuals []float64) *models.ForecastError {
	inside := 0
	for i := range actuals {
		if actuals[i] >= q10[i] && actuals[i] <= q90[i] {
			inside++
		}
	}
	coverage := float64(inside) / float64(len(actuals)) * 100

	var severity models.Severity
	switch {
	case coverage < o.thresholds.CoverageHighBelow:
		severity = models.SeverityHigh
	case coverage < o.thresholds.CoverageMediumBelow:
		severity = models.SeverityMedium
	default:
		return nil
	}

	return &models.ForecastError{
		ForecastEventID: forecastEventID,
		ErrorType:       models.ErrorTypeVariance,
		Severity:        severity,
		Notes:           fmt.Sprintf("Interval coverage: %.1f%% (expected ~80%%)", coverage),
	}
}

// bandSeverity maps a metric onto the low/medium/high/critical bands. The
// second return is false when the value sits below the lowest band.
func bandSeverity(value, low, medium, high, critical float64) (models.Severity, bool) {
	switch {
	case value >= critical:
		return models.SeverityCritical, true
	case value >= high:
		return models.SeverityHigh, true
	case value >= medium:
		return models.SeverityMedium, true
	case value >= low:
		return models.SeverityLow, true
	default:
		return "", false
	}
}

func argmax(values []float64) int {
	idx := 0
	for i, v := range values {
		if v > values[idx] {
			idx = i
		}
	}
	return idx
}

// quantileOrDefault truncates the provided quantile series to n, or derives
// one from the point forecast when the model did not emit it.
func quantileOrDefault(series, point []float64, factor float64, n int) []float64 {
	if len(series) >= n {
		return series[:n]
	}
	derived := make([]float64, n)
	for i := 0; i < n; i++ {
		derived[i] = point[i] * factor
	}
	return derived
}

// Window returns the context window covered by a forecast event, used when a
// snapshot is built for one of its errors.
func Window(event *models.ForecastEvent) (time.Time, time.Time) {
	start := event.ForecastStart
	return start, start.Add(time.Duration(event.HorizonHours) * time.Hour)
}
