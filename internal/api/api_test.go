package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/powercast/powercast/internal/adjuster"
	"github.com/powercast/powercast/internal/auth"
	"github.com/powercast/powercast/internal/config"
	"github.com/powercast/powercast/internal/contextengine"
	"github.com/powercast/powercast/internal/eventlog"
	"github.com/powercast/powercast/internal/models"
	"github.com/powercast/powercast/internal/observer"
	"github.com/powercast/powercast/internal/reasoning"
	"github.com/powercast/powercast/internal/rules"
)

type memEvents struct {
	events map[string]*models.ForecastEvent
}

func (m *memEvents) Create(ctx context.Context, event *models.ForecastEvent) error {
	m.events[event.ID] = event
	return nil
}

func (m *memEvents) GetByID(ctx context.Context, id string) (*models.ForecastEvent, error) {
	event, ok := m.events[id]
	if !ok {
		return nil, fmt.Errorf("forecast event %s not found", id)
	}
	return event, nil
}

func (m *memEvents) Recent(ctx context.Context, regionCode string, limit int) ([]models.ForecastEvent, error) {
	var out []models.ForecastEvent
	for _, event := range m.events {
		if regionCode != "" && event.RegionCode != regionCode {
			continue
		}
		out = append(out, *event)
	}
	return out, nil
}

type memErrors struct {
	errors    map[string]*models.ForecastError
	completed []string
}

func (m *memErrors) Create(ctx context.Context, ferr *models.ForecastError) error {
	if ferr.ID == "" {
		ferr.ID = fmt.Sprintf("err-%d", len(m.errors)+1)
	}
	m.errors[ferr.ID] = ferr
	return nil
}

func (m *memErrors) GetByID(ctx context.Context, id string) (*models.ForecastError, error) {
	ferr, ok := m.errors[id]
	if !ok {
		return nil, fmt.Errorf("forecast error %s not found", id)
	}
	return ferr, nil
}

func (m *memErrors) Recent(ctx context.Context, limit int) ([]models.ForecastError, error) {
	var out []models.ForecastError
	for _, ferr := range m.errors {
		out = append(out, *ferr)
	}
	return out, nil
}

func (m *memErrors) PendingAnalysis(ctx context.Context, limit int) ([]models.ForecastError, error) {
	var out []models.ForecastError
	for _, ferr := range m.errors {
		if ferr.AnalysisTriggered && ferr.AnalysisCompletedAt == nil {
			out = append(out, *ferr)
		}
	}
	return out, nil
}

func (m *memErrors) MarkAnalysisCompleted(ctx context.Context, id string, at time.Time) error {
	ferr, ok := m.errors[id]
	if !ok {
		return fmt.Errorf("forecast error %s not found", id)
	}
	ferr.AnalysisCompletedAt = &at
	m.completed = append(m.completed, id)
	return nil
}

type memObservations struct {
	observed []string
}

func (m *memObservations) MarkObserved(ctx context.Context, id string, at time.Time) error {
	m.observed = append(m.observed, id)
	return nil
}

type memApplications struct {
	applications map[string]*models.RuleApplication
	outcomes     map[string]bool
	lessons      *memLessons
}

func (m *memApplications) Create(ctx context.Context, app *models.RuleApplication) error {
	if app.ID == "" {
		app.ID = fmt.Sprintf("app-%d", len(m.applications)+1)
	}
	m.applications[app.ID] = app
	return nil
}

func (m *memApplications) UpdateOutcome(ctx context.Context, id string, wasBeneficial bool, benefitScore float64) error {
	if _, ok := m.applications[id]; !ok {
		return fmt.Errorf("application %s not found", id)
	}
	m.outcomes[id] = wasBeneficial
	return nil
}

func (m *memApplications) ByForecastEvent(ctx context.Context, forecastEventID string) ([]models.RuleApplication, error) {
	var out []models.RuleApplication
	for _, app := range m.applications {
		if app.ForecastEventID != forecastEventID {
			continue
		}
		row := *app
		if m.lessons != nil {
			if lesson, ok := m.lessons.lessons[row.LessonID]; ok {
				row.FailureCause = lesson.FailureCause
				row.GeneralizedRule = lesson.GeneralizedRule
			}
		}
		out = append(out, row)
	}
	return out, nil
}

type memLessons struct {
	lessons map[string]*models.GeneralizedLesson
}

func (m *memLessons) Create(ctx context.Context, lesson *models.GeneralizedLesson) (string, error) {
	id := fmt.Sprintf("lesson-%d", len(m.lessons)+1)
	lesson.ID = id
	m.lessons[id] = lesson
	return id, nil
}

func (m *memLessons) Get(ctx context.Context, id string) (*models.GeneralizedLesson, error) {
	lesson, ok := m.lessons[id]
	if !ok {
		return nil, fmt.Errorf("lesson %s not found", id)
	}
	return lesson, nil
}

func (m *memLessons) BumpStats(ctx context.Context, lessonID string) error { return nil }

func (m *memLessons) ActiveWithStats(ctx context.Context, limit int) ([]models.GeneralizedLesson, error) {
	var out []models.GeneralizedLesson
	for _, lesson := range m.lessons {
		if lesson.IsActive {
			out = append(out, *lesson)
		}
	}
	return out, nil
}

type memSnapshots struct {
	snapshots map[string]*models.ContextSnapshot
}

func (m *memSnapshots) Create(ctx context.Context, snapshot *models.ContextSnapshot) error {
	if snapshot.ID == "" {
		snapshot.ID = fmt.Sprintf("snap-%d", len(m.snapshots)+1)
	}
	m.snapshots[snapshot.ID] = snapshot
	return nil
}

func (m *memSnapshots) FindSimilar(ctx context.Context, embedding []float32, regionCode string, limit int, minSimilarity float64) ([]models.SimilarContext, error) {
	return nil, nil
}

type testHarness struct {
	mux          *http.ServeMux
	events       *memEvents
	errors       *memErrors
	observations *memObservations
	applications *memApplications
	lessons      *memLessons
	authConfig   auth.Config
	clock        *clockwork.FakeClock
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClockAt(time.Date(2026, 7, 14, 10, 0, 0, 0, time.UTC))
	cfg := config.DefaultLearningConfig()

	events := &memEvents{events: map[string]*models.ForecastEvent{}}
	errorStore := &memErrors{errors: map[string]*models.ForecastError{}}
	observations := &memObservations{}
	applications := &memApplications{
		applications: map[string]*models.RuleApplication{},
		outcomes:     map[string]bool{},
	}
	lessons := &memLessons{lessons: map[string]*models.GeneralizedLesson{}}
	applications.lessons = lessons
	snapshots := &memSnapshots{snapshots: map[string]*models.ContextSnapshot{}}

	eventLog := eventlog.New(events, cfg.FallbackBufferSize, clock, logger)
	obs := observer.New(cfg, errorStore, clock, logger)
	contextEng := contextengine.New(snapshots, nil, nil, cfg, clock, logger)
	gateway := reasoning.NewGateway(nil, lessons, 3, cfg.MaxAdjustmentPct, logger)
	engine := rules.New(lessons, applications, cfg, clock, logger)
	adj := adjuster.New(eventLog, contextEng, engine, cfg, clock, logger)

	authConfig := auth.Config{
		JWTSecret:        "test-secret",
		OperatorPassword: "operator-pw",
		TokenDuration:    time.Hour,
	}

	mux := http.NewServeMux()
	SetupRoutes(mux, eventLog, errorStore, observations, applications, obs, contextEng, gateway, engine, adj, nil, cfg, authConfig, clock, logger)

	return &testHarness{
		mux:          mux,
		events:       events,
		errors:       errorStore,
		observations: observations,
		applications: applications,
		lessons:      lessons,
		authConfig:   authConfig,
		clock:        clock,
	}
}

func (h *testHarness) do(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec
}

func (h *testHarness) operatorToken(t *testing.T) string {
	t.Helper()
	token, err := auth.GenerateToken("operator", h.authConfig.JWTSecret, h.authConfig.TokenDuration)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	return token
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestLogin(t *testing.T) {
	h := newTestHarness(t)

	rec := h.do(t, http.MethodPost, "/api/auth/login", LoginRequest{Password: "operator-pw"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp LoginResponse
	decodeBody(t, rec, &resp)
	if resp.Token == "" {
		t.Error("expected a token")
	}

	rec = h.do(t, http.MethodPost, "/api/auth/login", LoginRequest{Password: "wrong"}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for bad password, got %d", rec.Code)
	}
}

func TestAdjustForecastEndpoint(t *testing.T) {
	h := newTestHarness(t)

	req := adjuster.Request{
		RegionCode:    "SWISS_GRID",
		ModelVersion:  "v2.1",
		ForecastStart: time.Date(2026, 7, 14, 12, 0, 0, 0, time.UTC),
		HorizonHours:  1,
		Predictions: models.PredictionSeries{
			Point: []float64{1000, 1010, 1020, 1030},
		},
	}

	rec := h.do(t, http.MethodPost, "/api/forecasts/adjust", req, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp adjuster.Response
	decodeBody(t, rec, &resp)
	if resp.ForecastEventID == "" {
		t.Error("expected a forecast event id")
	}
	if resp.Metadata.Adjusted {
		t.Error("no lessons exist, forecast should be unadjusted")
	}
	if len(resp.Predictions.Point) != 4 || resp.Predictions.Point[0] != 1000 {
		t.Errorf("unexpected predictions: %v", resp.Predictions.Point)
	}
	if len(h.events.events) != 1 {
		t.Errorf("expected 1 logged event, got %d", len(h.events.events))
	}
}

func TestAdjustForecastRejectsBadRequests(t *testing.T) {
	h := newTestHarness(t)

	rec := h.do(t, http.MethodPost, "/api/forecasts/adjust", adjuster.Request{
		ForecastStart: time.Now(),
	}, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing region, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/api/forecasts/adjust", nil, "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", rec.Code)
	}
}

func TestGetForecastsEndpoint(t *testing.T) {
	h := newTestHarness(t)

	h.do(t, http.MethodPost, "/api/forecasts/adjust", adjuster.Request{
		RegionCode:    "SWISS_GRID",
		ForecastStart: time.Date(2026, 7, 14, 12, 0, 0, 0, time.UTC),
		HorizonHours:  1,
		Predictions:   models.PredictionSeries{Point: []float64{1000}},
	}, "")

	rec := h.do(t, http.MethodGet, "/api/learning/forecasts?region=SWISS_GRID", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &resp)
	if resp.Count != 1 {
		t.Errorf("expected 1 forecast, got %d", resp.Count)
	}
}

func TestObserveForecastRequiresAuth(t *testing.T) {
	h := newTestHarness(t)

	rec := h.do(t, http.MethodPost, "/api/learning/forecasts/fc_x/observe", ObserveRequest{Actuals: []float64{1}}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}
}

func TestObserveForecastEndpoint(t *testing.T) {
	h := newTestHarness(t)
	token := h.operatorToken(t)

	var adjResp adjuster.Response
	rec := h.do(t, http.MethodPost, "/api/forecasts/adjust", adjuster.Request{
		RegionCode:    "SWISS_GRID",
		ForecastStart: time.Date(2026, 7, 14, 12, 0, 0, 0, time.UTC),
		HorizonHours:  1,
		Predictions:   models.PredictionSeries{Point: []float64{1000, 1000, 1000, 1000}},
	}, "")
	decodeBody(t, rec, &adjResp)

	rec = h.do(t, http.MethodPost, "/api/learning/forecasts/"+adjResp.ForecastEventID+"/observe",
		ObserveRequest{Actuals: []float64{1300, 1300, 1300, 1300}}, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &resp)
	if resp.Count == 0 {
		t.Error("expected 30% error to be detected")
	}
	if len(h.errors.errors) == 0 {
		t.Error("expected detected errors to be stored")
	}
	if len(h.observations.observed) != 1 {
		t.Errorf("expected forecast marked observed, got %v", h.observations.observed)
	}
}

func TestAnalyzeErrorEndpoint(t *testing.T) {
	h := newTestHarness(t)
	token := h.operatorToken(t)

	start := time.Date(2026, 7, 14, 12, 0, 0, 0, time.UTC)
	h.events.events["fc_1"] = &models.ForecastEvent{
		ID:            "fc_1",
		RegionCode:    "SWISS_GRID",
		ForecastStart: start,
		HorizonHours:  1,
		Predictions:   models.PredictionSeries{Point: []float64{1000}},
	}
	mape := 18.5
	h.errors.errors["err_1"] = &models.ForecastError{
		ID:                "err_1",
		ForecastEventID:   "fc_1",
		ErrorType:         models.ErrorTypeMAPESpike,
		Severity:          models.SeverityHigh,
		MAPE:              &mape,
		AnalysisTriggered: true,
		ObservedAt:        start.Add(time.Hour),
	}

	rec := h.do(t, http.MethodPost, "/api/learning/analyze-error/err_1", nil, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp AnalyzeErrorResponse
	decodeBody(t, rec, &resp)
	if resp.SnapshotID == "" {
		t.Error("expected a snapshot id")
	}
	if resp.LessonID == "" {
		t.Error("expected a stored lesson id")
	}
	if resp.Analysis.Adjustment.Type != models.AdjustmentScale {
		t.Errorf("expected fallback scale adjustment for mape_spike, got %s", resp.Analysis.Adjustment.Type)
	}
	if len(h.lessons.lessons) != 1 {
		t.Errorf("expected 1 stored lesson, got %d", len(h.lessons.lessons))
	}
	if len(h.errors.completed) != 1 || h.errors.completed[0] != "err_1" {
		t.Errorf("expected analysis marked completed, got %v", h.errors.completed)
	}
}

func TestRecordOutcomeEndpoint(t *testing.T) {
	h := newTestHarness(t)
	token := h.operatorToken(t)

	h.applications.applications["app_1"] = &models.RuleApplication{
		ID:              "app_1",
		ForecastEventID: "fc_1",
		LessonID:        "lesson_1",
	}

	rec := h.do(t, http.MethodPost, "/api/learning/applications/app_1/outcome",
		OutcomeRequest{WasBeneficial: true, BenefitScore: 0.8}, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if beneficial, ok := h.applications.outcomes["app_1"]; !ok || !beneficial {
		t.Errorf("expected beneficial outcome recorded, got %v", h.applications.outcomes)
	}
}

func TestExplainForecastEndpoint(t *testing.T) {
	h := newTestHarness(t)

	h.lessons.lessons["lesson_1"] = &models.GeneralizedLesson{
		ID:              "lesson_1",
		FailureCause:    "Heatwave drove unexpected afternoon cooling load",
		GeneralizedRule: "When heatwave persists, scale the forecast up",
		IsActive:        true,
	}
	h.applications.applications["app_1"] = &models.RuleApplication{
		ID:              "app_1",
		ForecastEventID: "fc_1",
		LessonID:        "lesson_1",
	}

	rec := h.do(t, http.MethodGet, "/api/learning/explain/fc_1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Count        int                      `json:"count"`
		Applications []models.RuleApplication `json:"applications"`
	}
	decodeBody(t, rec, &resp)
	if resp.Count != 1 {
		t.Fatalf("expected 1 application, got %d", resp.Count)
	}
	if resp.Applications[0].FailureCause == "" || resp.Applications[0].GeneralizedRule == "" {
		t.Error("explain response missing lesson fields")
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHarness(t)

	rec := h.do(t, http.MethodGet, "/api/learning/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Status     string          `json:"status"`
		Components map[string]bool `json:"components"`
	}
	decodeBody(t, rec, &resp)
	if resp.Status == "" {
		t.Error("expected a status")
	}
	if !resp.Components["event_logger"] {
		t.Error("expected event_logger healthy")
	}
}
