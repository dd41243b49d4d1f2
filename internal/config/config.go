package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// Booking backend (server-rendered app that owns pricing rules)
	BackendBaseURL string
	BackendTimeout time.Duration
	TripID         int
	// FormAction is the booking form path for trips whose catalog has no slug.
	FormAction string

	// Quote coordination
	QuoteDebounce  time.Duration
	PayoffDebounce time.Duration

	// Payment provider
	StripePublishableKey string
	StripeSecretKey      string
	StripeBaseURL        string
	StripeDryRun         bool

	// Redis (catalog cache and draft snapshots)
	RedisAddr       string
	RedisPassword   string
	RedisTLS        bool
	CatalogCacheTTL time.Duration
	DraftTTL        time.Duration

	// Optional Postgres quote ledger
	DatabaseURL string

	CORSAllowedOrigins []string
	SessionIdleTimeout time.Duration

	// Support endpoints (quote ledger, quote stats) require an HS256 token.
	SupportJWTSecret string
	// DiscountAttemptsPerMinute limits discount code guesses per client.
	DiscountAttemptsPerMinute int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		BackendBaseURL: strings.TrimRight(getEnv("BACKEND_BASE_URL", "http://localhost:5000"), "/"),
		BackendTimeout: getEnvAsDuration("BACKEND_TIMEOUT", 10*time.Second),
		TripID:         getEnvAsInt("TRIP_ID", 0),
		FormAction:     getEnv("BOOKING_FORM_ACTION", "/booking"),

		QuoteDebounce:  getEnvAsDuration("QUOTE_DEBOUNCE", 500*time.Millisecond),
		PayoffDebounce: getEnvAsDuration("PAYOFF_DEBOUNCE", 100*time.Millisecond),

		StripePublishableKey: getEnv("STRIPE_PUBLISHABLE_KEY", ""),
		StripeSecretKey:      getEnv("STRIPE_SECRET_KEY", ""),
		StripeBaseURL:        getEnv("STRIPE_BASE_URL", "https://api.stripe.com"),
		StripeDryRun:         getEnvAsBool("STRIPE_DRY_RUN", false),

		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisTLS:        getEnvAsBool("REDIS_TLS", false),
		CatalogCacheTTL: getEnvAsDuration("CATALOG_CACHE_TTL", 5*time.Minute),
		DraftTTL:        getEnvAsDuration("DRAFT_TTL", 24*time.Hour),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "")),
		SessionIdleTimeout: getEnvAsDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),

		SupportJWTSecret:          getEnv("SUPPORT_JWT_SECRET", ""),
		DiscountAttemptsPerMinute: getEnvAsInt("DISCOUNT_ATTEMPTS_PER_MINUTE", 10),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
