// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis URL for export history (optional)

	// Risk policy file (YAML). Empty means built-in defaults plus EXPORTGUARD_POLICY_* overrides.
	PolicyFile string

	// Security
	APIKeyHashes []string // hex SHA-256 hashes of accepted service keys (API_KEY_HASHES)

	// Comma-separated browser origins allowed to call the API. Empty disables CORS.
	CORSAllowedOrigins []string

	// Tracing
	OTLPEndpoint string

	// Alert delivery
	AlertWebhookURL    string
	AlertWebhookSecret string
	PubSubProjectID    string
	PubSubTopic        string

	// Engine behavior
	SerializePerUser   bool
	AsyncNotifications bool
	AdminFanout        int
}

const (
	DefaultPort        = "8080"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "json"
	DefaultAdminFanout = 4
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		PolicyFile:         os.Getenv("POLICY_FILE"),
		APIKeyHashes:       splitList(os.Getenv("API_KEY_HASHES")),
		CORSAllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AlertWebhookURL:    os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret: os.Getenv("ALERT_WEBHOOK_SECRET"),
		PubSubProjectID:    os.Getenv("PUBSUB_PROJECT_ID"),
		PubSubTopic:        getEnv("PUBSUB_TOPIC", "export-security-alerts"),
		SerializePerUser:   getEnvBool("SERIALIZE_PER_USER", true),
		AsyncNotifications: getEnvBool("ASYNC_NOTIFICATIONS", false),
		AdminFanout:        int(getEnvInt64("ADMIN_FANOUT", DefaultAdminFanout)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}

	if c.AdminFanout < 1 {
		return fmt.Errorf("ADMIN_FANOUT must be at least 1")
	}

	if c.IsProduction() && len(c.APIKeyHashes) == 0 {
		return fmt.Errorf("API_KEY_HASHES is required in production")
	}

	if c.AlertWebhookURL != "" && c.IsProduction() && c.AlertWebhookSecret == "" {
		return fmt.Errorf("ALERT_WEBHOOK_SECRET is required in production when ALERT_WEBHOOK_URL is set")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
