package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config represents runtime configuration derived from environment variables.
type Config struct {
	Server   ServerConfig
	Logging  LoggingConfig
	Database DatabaseConfig
	OpenAI   OpenAIConfig
	Weather  WeatherConfig
	Learning LearningConfig
}

// ServerConfig holds HTTP server runtime parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig represents structured logging configuration.
type LoggingConfig struct {
	Level  slog.Level
	Format string
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	URL                string
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
	ConnectTimeout     time.Duration
}

// OpenAIConfig holds reasoning and embedding provider parameters.
type OpenAIConfig struct {
	APIKey         string
	Model          string
	EmbeddingModel string
	Temperature    float32
	MaxTokens      int
	Timeout        time.Duration
	MaxRetries     int
}

// WeatherConfig holds the external weather provider parameters. An empty
// APIKey switches the provider to simulated data.
type WeatherConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// LearningConfig gathers every tunable of the forecast-correction loop.
// All thresholds the pipeline compares against live here rather than as
// literals in the services.
type LearningConfig struct {
	AdjustmentsEnabled bool
	LearningEnabled    bool

	// Safety ceiling for any single or fused adjustment, in percent.
	MaxAdjustmentPct float64
	// Minimum lesson confidence for a rule to be applicable.
	MinRuleConfidence float64
	// Minimum context similarity for a rule to be applicable.
	MinSimilarity float64
	// Number of lessons retrieved on the pre-serving path.
	RetrievalLimit int

	// MAPE severity bands, in percent.
	MAPELow      float64
	MAPEMedium   float64
	MAPEHigh     float64
	MAPECritical float64

	// Peak magnitude severity bands, in MW.
	PeakLow      float64
	PeakMedium   float64
	PeakHigh     float64
	PeakCritical float64
	// Peak timing offset (in intervals) beyond which severity escalates.
	PeakTimingEscalationSteps int

	// Ramp severity bands, in MW/hour.
	RampLow      float64
	RampMedium   float64
	RampHigh     float64
	RampCritical float64

	// Interval coverage bands, in percent of actuals inside [q10, q90].
	CoverageHighBelow   float64
	CoverageMediumBelow float64

	// Forecast event logger fallback buffer capacity.
	FallbackBufferSize int

	// Observation scheduler cadence.
	ObservationInterval time.Duration
}

const (
	defaultPort            = "8080"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second

	defaultLogFormat = "json"
)

// DefaultLearningConfig returns the tunables the pipeline ships with.
func DefaultLearningConfig() LearningConfig {
	return LearningConfig{
		AdjustmentsEnabled: true,
		LearningEnabled:    true,

		MaxAdjustmentPct:  15.0,
		MinRuleConfidence: 0.5,
		MinSimilarity:     0.6,
		RetrievalLimit:    3,

		MAPELow:      5.0,
		MAPEMedium:   10.0,
		MAPEHigh:     15.0,
		MAPECritical: 25.0,

		PeakLow:                   100.0,
		PeakMedium:                200.0,
		PeakHigh:                  400.0,
		PeakCritical:              800.0,
		PeakTimingEscalationSteps: 8,

		RampLow:      50.0,
		RampMedium:   100.0,
		RampHigh:     200.0,
		RampCritical: 400.0,

		CoverageHighBelow:   50.0,
		CoverageMediumBelow: 65.0,

		FallbackBufferSize: 1000,

		ObservationInterval: 5 * time.Minute,
	}
}

// Load reads configuration from environment variables, applying defaults when
// values are not provided or invalid.
func Load() (Config, error) {
	// Cloud Run sets PORT, but allow SERVER_PORT override for local dev
	port := getEnv("PORT", "")
	if port == "" {
		port = getEnv("SERVER_PORT", defaultPort)
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            port,
			ReadTimeout:     defaultReadTimeout,
			WriteTimeout:    defaultWriteTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			Level:  slog.LevelInfo,
			Format: defaultLogFormat,
		},
		Database: DatabaseConfig{
			URL:                os.Getenv("DATABASE_URL"),
			MaxConnections:     25,
			MaxIdleConnections: 5,
			ConnMaxLifetime:    5 * time.Minute,
			ConnectTimeout:     10 * time.Second,
		},
		OpenAI: OpenAIConfig{
			APIKey:         os.Getenv("OPENAI_API_KEY"),
			Model:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			EmbeddingModel: getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			Temperature:    0.2,
			MaxTokens:      1024,
			Timeout:        30 * time.Second,
			MaxRetries:     3,
		},
		Weather: WeatherConfig{
			APIKey:  os.Getenv("OPENWEATHER_API_KEY"),
			BaseURL: getEnv("OPENWEATHER_BASE_URL", "https://api.openweathermap.org/data/3.0"),
			Timeout: 10 * time.Second,
		},
		Learning: DefaultLearningConfig(),
	}

	if v := os.Getenv("SERVER_READ_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SERVER_READ_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Server.ReadTimeout = d
	}

	if v := os.Getenv("SERVER_WRITE_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SERVER_WRITE_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Server.WriteTimeout = d
	}

	if v := os.Getenv("SERVER_SHUTDOWN_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SERVER_SHUTDOWN_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Server.ShutdownTimeout = d
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.Logging.Level = level
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		switch v {
		case "json", "text":
			cfg.Logging.Format = v
		default:
			return Config{}, fmt.Errorf("invalid LOG_FORMAT: must be 'json' or 'text'")
		}
	}

	if v := os.Getenv("OPENAI_TEMPERATURE"); v != "" {
		temp, err := strconv.ParseFloat(v, 32)
		if err != nil || temp < 0 || temp > 2 {
			return Config{}, fmt.Errorf("invalid OPENAI_TEMPERATURE: must be a float in [0,2]")
		}
		cfg.OpenAI.Temperature = float32(temp)
	}

	if v := os.Getenv("OPENAI_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid OPENAI_TIMEOUT_SECONDS: %w", err)
		}
		cfg.OpenAI.Timeout = d
	}

	if v := os.Getenv("ENABLE_ADJUSTMENTS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ENABLE_ADJUSTMENTS: %w", err)
		}
		cfg.Learning.AdjustmentsEnabled = b
	}

	if v := os.Getenv("ENABLE_LEARNING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ENABLE_LEARNING: %w", err)
		}
		cfg.Learning.LearningEnabled = b
	}

	if v := os.Getenv("MAX_ADJUSTMENT_PCT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 100 {
			return Config{}, fmt.Errorf("invalid MAX_ADJUSTMENT_PCT: must be a float in [0,100]")
		}
		cfg.Learning.MaxAdjustmentPct = f
	}

	if v := os.Getenv("MIN_RULE_CONFIDENCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return Config{}, fmt.Errorf("invalid MIN_RULE_CONFIDENCE: must be a float in [0,1]")
		}
		cfg.Learning.MinRuleConfidence = f
	}

	if v := os.Getenv("MIN_SIMILARITY"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return Config{}, fmt.Errorf("invalid MIN_SIMILARITY: must be a float in [0,1]")
		}
		cfg.Learning.MinSimilarity = f
	}

	if v := os.Getenv("OBSERVATION_INTERVAL_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid OBSERVATION_INTERVAL_SECONDS: %w", err)
		}
		cfg.Learning.ObservationInterval = d
	}

	return cfg, nil
}

func parseSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return time.Duration(seconds) * time.Second, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("must be one of debug, info, warn, error")
	}
}
