package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 60, cfg.RateLimitPerMinute)
	assert.Equal(t, 60*time.Second, cfg.LLMTimeout)
	assert.False(t, cfg.BillingEnabled())
	assert.False(t, cfg.LLMEnabled())
}

func TestLoad_BillingRequiresWebhookSecret(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_BillingEnabled(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_123")
	t.Setenv("STRIPE_PRICE_PRO", "price_pro")
	t.Setenv("STRIPE_PRICE_PRO_PLUS", "price_pro_plus")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.BillingEnabled())
	assert.Equal(t, "price_pro", cfg.StripePriceProID)
}

func TestLoad_ProductionRequiresDatabase(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "120")
	t.Setenv("LLM_TIMEOUT", "30s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 120, cfg.RateLimitPerMinute)
	assert.Equal(t, 30*time.Second, cfg.LLMTimeout)
}
