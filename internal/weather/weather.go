// Package weather provides current weather observations for forecast regions,
// from the OpenWeather API when a key is configured or from simulated data
// otherwise. API failures degrade to simulated data rather than erroring.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/powercast/powercast/internal/config"
	"github.com/powercast/powercast/internal/models"
)

// Provider returns current weather for a location.
type Provider interface {
	Current(ctx context.Context, lat, lon float64) (models.WeatherContext, error)
}

// Coordinates maps a region code to the reference point used for its weather.
type Coordinates struct {
	Lat float64
	Lon float64
}

var regionCoordinates = map[string]Coordinates{
	"SWISS_GRID":    {Lat: 47.3769, Lon: 8.5417},  // Zurich
	"SOUTH_TN_TNEB": {Lat: 13.0827, Lon: 80.2707}, // Chennai
}

// RegionCoordinates resolves a region code, falling back to SWISS_GRID for
// unknown regions.
func RegionCoordinates(regionCode string) Coordinates {
	if c, ok := regionCoordinates[regionCode]; ok {
		return c
	}
	return regionCoordinates["SWISS_GRID"]
}

// Classify reduces raw weather readings to a condition string like
// "heatwave, clear_sky". Returns "normal" when nothing stands out.
func Classify(w models.WeatherContext) string {
	var conditions []string

	if w.Temperature > 35 {
		conditions = append(conditions, "heatwave")
	} else if w.Temperature < 5 {
		conditions = append(conditions, "cold_snap")
	}

	if w.CloudCover < 20 {
		conditions = append(conditions, "clear_sky")
	} else if w.CloudCover > 80 {
		conditions = append(conditions, "overcast")
	}

	if w.WindSpeed > 15 {
		conditions = append(conditions, "windy")
	}

	if len(conditions) == 0 {
		return "normal"
	}
	out := conditions[0]
	for _, c := range conditions[1:] {
		out += ", " + c
	}
	return out
}

// Client fetches current weather from the OpenWeather one-call API. When no
// API key is configured, or a call fails, it serves simulated data instead.
type Client struct {
	apiKey    string
	baseURL   string
	client    *http.Client
	simulated *Simulated
	logger    *slog.Logger
}

// NewClient creates a weather client from configuration.
func NewClient(cfg config.WeatherConfig, clock clockwork.Clock, logger *slog.Logger) *Client {
	return &Client{
		apiKey:    cfg.APIKey,
		baseURL:   cfg.BaseURL,
		simulated: NewSimulated(clock),
		logger:    logger,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type oneCallResponse struct {
	Current struct {
		Temp      float64 `json:"temp"`
		Humidity  float64 `json:"humidity"`
		WindSpeed float64 `json:"wind_speed"`
		Clouds    float64 `json:"clouds"`
		Pressure  float64 `json:"pressure"`
		UVI       float64 `json:"uvi"`
	} `json:"current"`
}

// Current returns current weather for the location.
func (c *Client) Current(ctx context.Context, lat, lon float64) (models.WeatherContext, error) {
	if c.apiKey == "" {
		return c.simulated.Current(ctx, lat, lon)
	}

	w, err := c.fetch(ctx, lat, lon)
	if err != nil {
		c.logger.Warn("weather API unavailable, using simulated data", "error", err)
		return c.simulated.Current(ctx, lat, lon)
	}
	return w, nil
}

func (c *Client) fetch(ctx context.Context, lat, lon float64) (models.WeatherContext, error) {
	params := url.Values{}
	params.Set("lat", fmt.Sprintf("%.4f", lat))
	params.Set("lon", fmt.Sprintf("%.4f", lon))
	params.Set("appid", c.apiKey)
	params.Set("units", "metric")
	params.Set("exclude", "minutely,alerts")

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/onecall?"+params.Encode(), nil)
	if err != nil {
		return models.WeatherContext{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return models.WeatherContext{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return models.WeatherContext{}, fmt.Errorf("weather API error: %d - %s", resp.StatusCode, string(body))
	}

	var result oneCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return models.WeatherContext{}, err
	}

	w := models.WeatherContext{
		Temperature: result.Current.Temp,
		Humidity:    result.Current.Humidity,
		WindSpeed:   result.Current.WindSpeed,
		CloudCover:  result.Current.Clouds,
		Pressure:    result.Current.Pressure,
		Irradiance:  result.Current.UVI * 100,
	}
	w.Condition = Classify(w)
	return w, nil
}

// Simulated produces plausible weather deterministically from the location
// and the current hour, so repeated reads within an hour agree and tests are
// reproducible with a fake clock.
type Simulated struct {
	clock clockwork.Clock
}

// NewSimulated creates a simulated weather provider.
func NewSimulated(clock clockwork.Clock) *Simulated {
	return &Simulated{clock: clock}
}

// Current generates weather for the location at the clock's current hour.
func (s *Simulated) Current(ctx context.Context, lat, lon float64) (models.WeatherContext, error) {
	now := s.clock.Now().UTC()
	hour := now.Hour()

	// Daily temperature cycle peaking mid-afternoon, shifted by latitude.
	baseTemp := 15 + lat/10
	tempCycle := 8 * math.Sin(float64(hour-6)*math.Pi/12)
	temperature := baseTemp + tempCycle + jitter(lat, lon, now, 0)*2

	cloudCover := 45 + jitter(lat, lon, now, 1)*35

	// Solar irradiance peaks at noon and is dampened by cloud cover.
	var irradiance float64
	if hour >= 6 && hour <= 20 {
		maxIrradiance := 1000 * (1 - cloudCover/100)
		irradiance = maxIrradiance * math.Sin(float64(hour-6)*math.Pi/14)
		if irradiance < 0 {
			irradiance = 0
		}
	}

	w := models.WeatherContext{
		Temperature: round1(temperature),
		Humidity:    round1(55 + jitter(lat, lon, now, 2)*25),
		WindSpeed:   round1(7.5 + jitter(lat, lon, now, 3)*7.5),
		CloudCover:  round1(cloudCover),
		Pressure:    round1(1010 + jitter(lat, lon, now, 4)*20),
		Irradiance:  round1(irradiance),
	}
	w.Condition = Classify(w)
	return w, nil
}

// jitter returns a deterministic value in [-1, 1] keyed on location, hour and
// a channel index.
func jitter(lat, lon float64, t time.Time, channel int) float64 {
	seed := uint64(int64(lat*1e4))*31 + uint64(int64(lon*1e4))*17 + uint64(t.Truncate(time.Hour).Unix()) + uint64(channel)*101
	seed ^= seed << 13
	seed ^= seed >> 7
	seed ^= seed << 17
	return float64(seed%2001)/1000 - 1
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
