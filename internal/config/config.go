// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/mkowalski/marketpay/internal/security"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string

	// Provider selection: "stripe" or "sandbox"
	Provider        string
	StripeAPIKey    string
	DefaultCurrency string

	// Escrow settings
	DisputeWindow time.Duration // time after hold before an allocation becomes eligible

	// Payout settings
	PayoutMaxRetries   int
	PayoutRetryBase    time.Duration
	PayoutRetryCap     time.Duration
	PayoutRunInterval  time.Duration
	PayoutMethod       string
	SettlementRunHour  int // hour of day (UTC) for the settlement sweep
	EligibilitySweep   time.Duration
	OutboxPollInterval time.Duration

	// Notifications
	NotifyWebhookURL    string // operator endpoint for outbox delivery (optional)
	NotifyWebhookSecret string // HMAC secret for webhook signatures

	// Security
	AdminSecret string
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultProvider        = "sandbox"
	DefaultCurrencyCode    = "PLN"
	DefaultDisputeWindow   = 14 * 24 * time.Hour
	DefaultPayoutRetries   = 3
	DefaultPayoutRetryBase = time.Hour
	DefaultPayoutRetryCap  = 24 * time.Hour
	DefaultPayoutInterval  = 24 * time.Hour
	DefaultPayoutMethod    = "sepa"
	DefaultEligibilitySwp  = time.Minute
	DefaultOutboxPoll      = 5 * time.Second
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Provider:            getEnv("PROVIDER", DefaultProvider),
		StripeAPIKey:        os.Getenv("STRIPE_API_KEY"),
		DefaultCurrency:     getEnv("DEFAULT_CURRENCY", DefaultCurrencyCode),
		DisputeWindow:       getEnvDuration("DISPUTE_WINDOW", DefaultDisputeWindow),
		PayoutMaxRetries:    int(getEnvInt64("PAYOUT_MAX_RETRIES", DefaultPayoutRetries)),
		PayoutRetryBase:     getEnvDuration("PAYOUT_RETRY_BASE", DefaultPayoutRetryBase),
		PayoutRetryCap:      getEnvDuration("PAYOUT_RETRY_CAP", DefaultPayoutRetryCap),
		PayoutRunInterval:   getEnvDuration("PAYOUT_RUN_INTERVAL", DefaultPayoutInterval),
		PayoutMethod:        getEnv("PAYOUT_METHOD", DefaultPayoutMethod),
		SettlementRunHour:   int(getEnvInt64("SETTLEMENT_RUN_HOUR", 3)),
		EligibilitySweep:    getEnvDuration("ELIGIBILITY_SWEEP_INTERVAL", DefaultEligibilitySwp),
		OutboxPollInterval:  getEnvDuration("OUTBOX_POLL_INTERVAL", DefaultOutboxPoll),
		NotifyWebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret: os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	switch c.Provider {
	case "stripe":
		if c.StripeAPIKey == "" {
			return fmt.Errorf("STRIPE_API_KEY is required when PROVIDER=stripe")
		}
	case "sandbox":
		// No credentials needed.
	default:
		return fmt.Errorf("PROVIDER must be \"stripe\" or \"sandbox\", got %q", c.Provider)
	}

	if c.PayoutMaxRetries < 0 {
		return fmt.Errorf("PAYOUT_MAX_RETRIES must not be negative")
	}
	if c.SettlementRunHour < 0 || c.SettlementRunHour > 23 {
		return fmt.Errorf("SETTLEMENT_RUN_HOUR must be between 0 and 23")
	}

	// Local webhook receivers are fine in development, blocked elsewhere.
	if c.NotifyWebhookURL != "" && !c.IsDevelopment() {
		if err := security.ValidateEndpointURL(c.NotifyWebhookURL); err != nil {
			return fmt.Errorf("NOTIFY_WEBHOOK_URL: %w", err)
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
