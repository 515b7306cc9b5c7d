package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	Database    DatabaseConfig
	Gemini      GeminiConfig
	RabbitMQ    RabbitMQConfig
	Capture     CaptureConfig
	Location    LocationConfig
	Review      ReviewConfig
	Anomaly     AnomalyConfig
	Local       LocalConfig
	AdminEmails []string
}

// DatabaseConfig holds the remote backend connection settings. An empty
// URL selects the local fallback store.
type DatabaseConfig struct {
	URL string
}

// GeminiConfig holds the recognition capability settings
type GeminiConfig struct {
	APIKey string
	Model  string
}

// RabbitMQConfig holds AMQP connection and routing settings. An empty
// URL disables the queue intake and event publishing.
type RabbitMQConfig struct {
	URL                string
	IntakeExchange     string
	IntakeExchangeType string
	IntakeQueue        string
	IntakeDLQQueue     string
	IntakeRoutingKey   string
	EventExchange      string
	EventRoutingKey    string
	PrefetchCount      int
}

// CaptureConfig holds camera acquisition settings
type CaptureConfig struct {
	IdealWidth  int
	IdealHeight int
	JPEGQuality int
}

// LocationConfig bounds the single-shot geolocation request
type LocationConfig struct {
	RequestTimeout time.Duration
	MaxAge         time.Duration
}

// ReviewConfig holds the two confidence display thresholds. They differ
// on purpose: 80 gates the capture-review screen, 90 the history list.
type ReviewConfig struct {
	ReviewConfidenceThreshold  float64
	HistoryConfidenceThreshold float64
}

// AnomalyConfig holds plausibility check settings
type AnomalyConfig struct {
	SpikeThreshold            float64
	MinDataPointsForDetection int
}

// LocalConfig holds local fallback storage settings
type LocalConfig struct {
	DataDir string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "flowcheck-capture"),
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Gemini: GeminiConfig{
			APIKey: getEnv("GEMINI_API_KEY", ""),
			Model:  getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:                getEnv("RABBITMQ_URL", ""),
			IntakeExchange:     getEnv("RABBITMQ_INTAKE_EXCHANGE", "flowcheck.capture.exchange"),
			IntakeExchangeType: getEnv("RABBITMQ_INTAKE_EXCHANGE_TYPE", "topic"),
			IntakeQueue:        getEnv("RABBITMQ_INTAKE_QUEUE", "flowcheck.capture.queue"),
			IntakeDLQQueue:     getEnv("RABBITMQ_INTAKE_DLQ", "flowcheck.capture.dlq"),
			IntakeRoutingKey:   getEnv("RABBITMQ_INTAKE_ROUTING_KEY", "meter.capture.request"),
			EventExchange:      getEnv("RABBITMQ_EVENT_EXCHANGE", "flowcheck.events.exchange"),
			EventRoutingKey:    getEnv("RABBITMQ_EVENT_ROUTING_KEY", "meter.reading.recorded"),
			PrefetchCount:      getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Capture: CaptureConfig{
			IdealWidth:  getEnvAsInt("CAPTURE_IDEAL_WIDTH", 1920),
			IdealHeight: getEnvAsInt("CAPTURE_IDEAL_HEIGHT", 1080),
			JPEGQuality: getEnvAsInt("CAPTURE_JPEG_QUALITY", 80),
		},
		Location: LocationConfig{
			RequestTimeout: getEnvAsDuration("LOCATION_REQUEST_TIMEOUT", 10*time.Second),
			MaxAge:         getEnvAsDuration("LOCATION_MAX_AGE", 5*time.Minute),
		},
		Review: ReviewConfig{
			ReviewConfidenceThreshold:  getEnvAsFloat("REVIEW_CONFIDENCE_THRESHOLD", 80),
			HistoryConfidenceThreshold: getEnvAsFloat("HISTORY_CONFIDENCE_THRESHOLD", 90),
		},
		Anomaly: AnomalyConfig{
			SpikeThreshold:            getEnvAsFloat("ANOMALY_SPIKE_THRESHOLD", 3.0),
			MinDataPointsForDetection: getEnvAsInt("ANOMALY_MIN_DATA_POINTS", 3),
		},
		Local: LocalConfig{
			DataDir: getEnv("LOCAL_DATA_DIR", "./data"),
		},
		AdminEmails: splitCSV(getEnv("ADMIN_EMAILS", "")),
	}

	// Validate required fields
	if cfg.Gemini.APIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required but not set in environment variables")
	}
	if cfg.Capture.JPEGQuality < 1 || cfg.Capture.JPEGQuality > 100 {
		return nil, fmt.Errorf("CAPTURE_JPEG_QUALITY must be in 1..100, got %d", cfg.Capture.JPEGQuality)
	}

	return cfg, nil
}

// RemoteConfigured reports whether the realtime remote backend is set up.
func (c *Config) RemoteConfigured() bool { return c.Database.URL != "" }

// QueueConfigured reports whether AMQP intake/eventing is set up.
func (c *Config) QueueConfigured() bool { return c.RabbitMQ.URL != "" }

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
