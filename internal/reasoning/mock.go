package reasoning

import (
	"context"
)

// MockProvider provides a test implementation of the Provider interface,
// answering with the deterministic rule table instead of calling a model.
type MockProvider struct{}

// NewMockProvider creates a mock provider for testing without API calls.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// Analyze produces a rule-based analysis for the request.
func (m *MockProvider) Analyze(ctx context.Context, req AnalysisRequest) (AnalysisResult, error) {
	result := Fallback(req.ErrorType, req.Severity, req.WeatherContext)
	// Mock analyses get full confidence so tests can tell them apart from
	// genuine fallbacks.
	result.Confidence = 0.9
	result.FailureCause = "Mock analysis: " + result.FailureCause
	return result, nil
}
