// Package config loads Glowdesk configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration.
type Config struct {
	// Server
	Port string
	Env  string // development | production

	// Logging
	LogLevel string // debug | info | warn | error

	// Database. Empty means in-memory stores (dev/test only).
	DatabaseURL string

	// Stripe. Billing is disabled when SecretKey is empty: the free tier
	// keeps working and billing endpoints return 503.
	StripeSecretKey      string
	StripeWebhookSecret  string
	StripePriceProID     string
	StripePriceProPlusID string

	// LLM provider (OpenAI-compatible). Empty APIKey means stubbed
	// generation for local development.
	LLMAPIKey  string
	LLMBaseURL string
	LLMModel   string
	LLMTimeout time.Duration

	// Observability
	OTLPEndpoint string

	// Rate limiting
	RateLimitPerMinute int
	RateLimitBurst     int
}

// Load reads configuration from environment variables, with a .env file as
// fallback for local development.
func Load() (*Config, error) {
	// Ignore error: .env is optional.
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripePriceProID:     os.Getenv("STRIPE_PRICE_PRO"),
		StripePriceProPlusID: os.Getenv("STRIPE_PRICE_PRO_PLUS"),

		LLMAPIKey:  os.Getenv("LLM_API_KEY"),
		LLMBaseURL: getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMModel:   getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout: getDurationEnv("LLM_TIMEOUT", 60*time.Second),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		RateLimitPerMinute: getIntEnv("RATE_LIMIT_PER_MINUTE", 60),
		RateLimitBurst:     getIntEnv("RATE_LIMIT_BURST", 10),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.BillingEnabled() && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}
	if c.Env == "production" && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	return nil
}

// BillingEnabled reports whether Stripe credentials are configured.
func (c *Config) BillingEnabled() bool {
	return c.StripeSecretKey != ""
}

// LLMEnabled reports whether a real LLM provider is configured.
func (c *Config) LLMEnabled() bool {
	return c.LLMAPIKey != ""
}

// IsProduction returns true when running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
