package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "sandbox", cfg.Provider)
	assert.Equal(t, "PLN", cfg.DefaultCurrency)
	assert.Equal(t, 3, cfg.PayoutMaxRetries)
	assert.Equal(t, time.Hour, cfg.PayoutRetryBase)
	assert.Equal(t, 14*24*time.Hour, cfg.DisputeWindow)
}

func TestValidateStripeNeedsKey(t *testing.T) {
	cfg := &Config{Provider: "stripe"}
	assert.Error(t, cfg.Validate())

	cfg.StripeAPIKey = "sk_test_123"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	cfg := &Config{Provider: "paypal"}
	assert.Error(t, cfg.Validate())
}

func TestValidateSettlementHour(t *testing.T) {
	cfg := &Config{Provider: "sandbox", SettlementRunHour: 25}
	assert.Error(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PROVIDER", "sandbox")
	t.Setenv("PAYOUT_MAX_RETRIES", "5")
	t.Setenv("PAYOUT_RETRY_BASE", "30m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.PayoutMaxRetries)
	assert.Equal(t, 30*time.Minute, cfg.PayoutRetryBase)
}

func TestValidateWebhookURL(t *testing.T) {
	cfg := &Config{Provider: "sandbox", Env: "production", NotifyWebhookURL: "http://169.254.169.254/hook"}
	assert.Error(t, cfg.Validate())

	// Local receivers are allowed in development.
	cfg.Env = "development"
	assert.NoError(t, cfg.Validate())
}

func TestIsProduction(t *testing.T) {
	cfg := &Config{Env: "production"}
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
}
