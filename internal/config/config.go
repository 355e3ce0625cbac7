// Package config handles application configuration from environment variables.
//
// Configuration is read once at startup into an immutable Config that is
// injected into every component; nothing reads the environment after Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow/payment provider
	ProviderBaseURL  string
	ProviderSecret   string // API secret key; empty enables the deterministic mock gateway
	WebhookSecret    string // Shared secret for inbound webhook HMAC verification
	WebhookAlgorithm string // "sha256" or "sha512"
	ProviderTimeout  time.Duration

	// Settlement rules
	DefaultCurrency  string
	CommissionRate   float64 // Platform fee, fraction of transaction amount
	PenaltyRate      float64 // Withheld from refunds past the penalty threshold
	PenaltyThreshold int     // Prior reversals before the penalty applies
	CodeTTL          time.Duration
	SaleDeadline     time.Duration // Confirmation window for sale transactions
	RentDeadline     time.Duration // Confirmation window for rent/lease transactions
	ReversalInterval time.Duration // How often the reversal scheduler scans

	// Security / ops
	CodeSecret     string // HMAC key for one-time code hashing
	OperatorAPIKey string // Bootstrap key for the operator surface; empty leaves it open (dev only)
	AdminEmail     string
	RateLimitRPS   int
	OTLPEndpoint   string
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultProviderBaseURL  = "https://api.paystack.co"
	DefaultWebhookAlgorithm = "sha512"
	DefaultCurrency         = "NGN"
	DefaultCommissionRate   = 0.04
	DefaultPenaltyRate      = 0.02
	DefaultPenaltyThreshold = 2
	DefaultRateLimit        = 100
)

// Load reads configuration from environment variables.
// A .env file is loaded first if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		ProviderBaseURL:  getEnv("PROVIDER_BASE_URL", DefaultProviderBaseURL),
		ProviderSecret:   os.Getenv("PROVIDER_SECRET_KEY"),
		WebhookSecret:    os.Getenv("PROVIDER_WEBHOOK_SECRET"),
		WebhookAlgorithm: getEnv("WEBHOOK_ALGORITHM", DefaultWebhookAlgorithm),
		ProviderTimeout:  getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second),
		DefaultCurrency:  getEnv("DEFAULT_CURRENCY", DefaultCurrency),
		CommissionRate:   getEnvFloat("COMMISSION_RATE", DefaultCommissionRate),
		PenaltyRate:      getEnvFloat("REVERSAL_PENALTY_RATE", DefaultPenaltyRate),
		PenaltyThreshold: int(getEnvInt64("REVERSAL_PENALTY_THRESHOLD", DefaultPenaltyThreshold)),
		CodeTTL:          getEnvDuration("CODE_TTL", 15*time.Minute),
		SaleDeadline:     time.Duration(getEnvInt64("SALE_REVERSAL_DAYS", 5)) * 24 * time.Hour,
		RentDeadline:     time.Duration(getEnvInt64("RENT_REVERSAL_DAYS", 21)) * 24 * time.Hour,
		ReversalInterval: getEnvDuration("REVERSAL_INTERVAL", 24*time.Hour),
		CodeSecret:       os.Getenv("CODE_SECRET"),
		OperatorAPIKey:   os.Getenv("OPERATOR_API_KEY"),
		AdminEmail:       getEnv("ADMIN_EMAIL", "ops@lemonzee.app"),
		RateLimitRPS:     int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.CodeSecret == "" {
		return fmt.Errorf("CODE_SECRET is required")
	}
	if c.CommissionRate < 0 || c.CommissionRate >= 1 {
		return fmt.Errorf("COMMISSION_RATE must be in [0, 1), got %v", c.CommissionRate)
	}
	if c.PenaltyRate < 0 || c.PenaltyRate >= 1 {
		return fmt.Errorf("REVERSAL_PENALTY_RATE must be in [0, 1), got %v", c.PenaltyRate)
	}
	switch c.WebhookAlgorithm {
	case "sha256", "sha512":
	default:
		return fmt.Errorf("WEBHOOK_ALGORITHM must be sha256 or sha512, got %q", c.WebhookAlgorithm)
	}
	if c.IsProduction() && c.ProviderSecret == "" {
		return fmt.Errorf("PROVIDER_SECRET_KEY is required in production")
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
