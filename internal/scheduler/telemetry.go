package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"log/slog"
)

// HTTPActualsSource fetches observed load values from a telemetry service.
type HTTPActualsSource struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPActualsSource creates a telemetry client. baseURL may be empty; the
// source then reports itself unconfigured on every call and the scheduler
// leaves forecasts unobserved until actuals arrive another way.
func NewHTTPActualsSource(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPActualsSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPActualsSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type actualsResponse struct {
	Actuals []float64 `json:"actuals"`
}

// Actuals fetches observed values for a region starting at start.
func (s *HTTPActualsSource) Actuals(ctx context.Context, regionCode string, start time.Time, steps int) ([]float64, error) {
	if s.baseURL == "" {
		return nil, fmt.Errorf("telemetry source not configured")
	}

	params := url.Values{}
	params.Set("region", regionCode)
	params.Set("start", start.UTC().Format(time.RFC3339))
	params.Set("steps", strconv.Itoa(steps))

	endpoint := fmt.Sprintf("%s/actuals?%s", s.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telemetry request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("telemetry returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed actualsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode telemetry response: %w", err)
	}
	if len(parsed.Actuals) == 0 {
		return nil, fmt.Errorf("telemetry returned no actuals for %s", regionCode)
	}

	return parsed.Actuals, nil
}
