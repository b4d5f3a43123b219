package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCollectorRecordsHTTPMetrics(t *testing.T) {
	collector, err := NewCollector()
	if err != nil {
		t.Fatalf("NewCollector returned error: %v", err)
	}

	handlerInvoked := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerInvoked = true
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	})

	instrumented := collector.InstrumentHandler(handler)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rr := httptest.NewRecorder()

	instrumented.ServeHTTP(rr, req)

	if !handlerInvoked {
		t.Fatal("expected handler to be invoked")
	}

	if rr.Code != http.StatusAccepted {
		t.Fatalf("unexpected status code: %d", rr.Code)
	}

	body := scrape(t, collector)
	if !strings.Contains(body, `powercast_http_requests_total{method="GET",path="/test",status="202"} 1`) {
		t.Fatalf("requests_total metric not recorded, body=%q", body)
	}

	if !strings.Contains(body, `powercast_http_request_duration_seconds_count{method="GET",path="/test",status="202"} 1`) {
		t.Fatalf("request_duration_seconds_count metric not recorded, body=%q", body)
	}
}

func TestCollectorRecordsLearningMetrics(t *testing.T) {
	collector, err := NewCollector()
	if err != nil {
		t.Fatalf("NewCollector returned error: %v", err)
	}

	collector.ForecastLogged()
	collector.ForecastLogged()
	collector.SetBufferedEvents(3)
	collector.ErrorDetected("mape_spike", "high")
	collector.AdjustmentApplied(7.5)
	collector.ReasoningFallback()
	collector.LessonStored()
	collector.RetrievalFailure()

	body := scrape(t, collector)
	checks := []string{
		`powercast_learning_forecasts_logged_total 2`,
		`powercast_learning_buffered_events 3`,
		`powercast_learning_forecast_errors_total{error_type="mape_spike",severity="high"} 1`,
		`powercast_learning_adjustments_applied_total 1`,
		`powercast_learning_reasoning_fallbacks_total 1`,
		`powercast_learning_lessons_stored_total 1`,
		`powercast_learning_retrieval_failures_total 1`,
	}
	for _, want := range checks {
		if !strings.Contains(body, want) {
			t.Errorf("metric missing: %s", want)
		}
	}
}

func scrape(t *testing.T, collector *Collector) string {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	collector.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected metrics handler to return 200, got %d", rr.Code)
	}
	return rr.Body.String()
}
