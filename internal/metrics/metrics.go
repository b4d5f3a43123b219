package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes Prometheus metrics for inbound HTTP traffic and the
// learning pipeline.
type Collector struct {
	registry        *prometheus.Registry
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	forecastsLogged    prometheus.Counter
	bufferedEvents     prometheus.Gauge
	errorsDetected     *prometheus.CounterVec
	adjustmentsApplied prometheus.Counter
	adjustmentPct      prometheus.Histogram
	reasoningFallbacks prometheus.Counter
	lessonsStored      prometheus.Counter
	retrievalFailures  prometheus.Counter
}

// NewCollector constructs a collector with its own registry.
func NewCollector() (*Collector, error) {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "powercast",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for inbound HTTP requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "powercast",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of inbound HTTP requests.",
	}, []string{"method", "path", "status"})

	forecastsLogged := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "powercast",
		Subsystem: "learning",
		Name:      "forecasts_logged_total",
		Help:      "Total number of forecast events logged.",
	})

	bufferedEvents := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "powercast",
		Subsystem: "learning",
		Name:      "buffered_events",
		Help:      "Forecast events held in the in-memory fallback buffer.",
	})

	errorsDetected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "powercast",
		Subsystem: "learning",
		Name:      "forecast_errors_total",
		Help:      "Forecast errors detected, by type and severity.",
	}, []string{"error_type", "severity"})

	adjustmentsApplied := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "powercast",
		Subsystem: "learning",
		Name:      "adjustments_applied_total",
		Help:      "Forecasts that received a rule-based adjustment.",
	})

	adjustmentPct := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "powercast",
		Subsystem: "learning",
		Name:      "adjustment_pct",
		Help:      "Distribution of fused adjustment percentages.",
		Buckets:   []float64{-15, -10, -5, -2, 0, 2, 5, 10, 15},
	})

	reasoningFallbacks := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "powercast",
		Subsystem: "learning",
		Name:      "reasoning_fallbacks_total",
		Help:      "Analyses that exhausted retries and used the fallback rule.",
	})

	lessonsStored := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "powercast",
		Subsystem: "learning",
		Name:      "lessons_stored_total",
		Help:      "Generalized lessons persisted.",
	})

	retrievalFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "powercast",
		Subsystem: "learning",
		Name:      "retrieval_failures_total",
		Help:      "Similarity retrievals that failed and degraded to no precedent.",
	})

	collectors := []prometheus.Collector{
		requestDuration, requestTotal,
		forecastsLogged, bufferedEvents, errorsDetected,
		adjustmentsApplied, adjustmentPct, reasoningFallbacks, lessonsStored,
		retrievalFailures,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return &Collector{
		registry:           registry,
		requestDuration:    requestDuration,
		requestTotal:       requestTotal,
		forecastsLogged:    forecastsLogged,
		bufferedEvents:     bufferedEvents,
		errorsDetected:     errorsDetected,
		adjustmentsApplied: adjustmentsApplied,
		adjustmentPct:      adjustmentPct,
		reasoningFallbacks: reasoningFallbacks,
		lessonsStored:      lessonsStored,
		retrievalFailures:  retrievalFailures,
	}, nil
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler to record HTTP metrics.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rw.status)
		path := r.URL.Path

		c.requestTotal.WithLabelValues(r.Method, path, status).Inc()
		c.requestDuration.WithLabelValues(r.Method, path, status).Observe(duration)
	})
}

// ForecastLogged counts one logged forecast event.
func (c *Collector) ForecastLogged() {
	c.forecastsLogged.Inc()
}

// SetBufferedEvents records the fallback buffer depth.
func (c *Collector) SetBufferedEvents(n int) {
	c.bufferedEvents.Set(float64(n))
}

// ErrorDetected counts one classified forecast error.
func (c *Collector) ErrorDetected(errorType, severity string) {
	c.errorsDetected.WithLabelValues(errorType, severity).Inc()
}

// AdjustmentApplied records one adjusted forecast and its fused percentage.
func (c *Collector) AdjustmentApplied(pct float64) {
	c.adjustmentsApplied.Inc()
	c.adjustmentPct.Observe(pct)
}

// ReasoningFallback counts one analysis that degraded to the fallback rule.
func (c *Collector) ReasoningFallback() {
	c.reasoningFallbacks.Inc()
}

// LessonStored counts one persisted lesson.
func (c *Collector) LessonStored() {
	c.lessonsStored.Inc()
}

// RetrievalFailure counts one failed similarity retrieval.
func (c *Collector) RetrievalFailure() {
	c.retrievalFailures.Inc()
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
