// Package bootstrap wires the booking core from configuration for the
// binaries under cmd/.
package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/trip-checkout/internal/backend"
	"github.com/wolfman30/trip-checkout/internal/booking"
	"github.com/wolfman30/trip-checkout/internal/catalog"
	appconfig "github.com/wolfman30/trip-checkout/internal/config"
	"github.com/wolfman30/trip-checkout/internal/observability/metrics"
	"github.com/wolfman30/trip-checkout/internal/provider"
	"github.com/wolfman30/trip-checkout/internal/quotelog"
	"github.com/wolfman30/trip-checkout/internal/wizard"
	"github.com/wolfman30/trip-checkout/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// BuildQuoteLog connects the Postgres quote ledger. It returns nils when no
// database is configured.
func BuildQuoteLog(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*pgxpool.Pool, *quotelog.Repository, error) {
	if cfg == nil || strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, nil, nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	logger.Info("quote log enabled")
	return pool, quotelog.NewRepository(pool), nil
}

// Checkout is the wired booking core.
type Checkout struct {
	Backend  *backend.Client
	Catalogs *catalog.RedisCache
	Stripe   *provider.StripeClient
	Manager  *wizard.Manager
}

// BuildCheckout wires the backend client, catalog cache, payment provider and
// session manager. redisClient and recorder are optional.
func BuildCheckout(cfg *appconfig.Config, redisClient *redis.Client, recorder *quotelog.Repository, m *metrics.CheckoutMetrics, logger *logging.Logger) (*Checkout, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	api := backend.NewClient(cfg.BackendBaseURL, cfg.BackendTimeout, logger).WithMetrics(m)
	catalogs := catalog.NewRedisCache(redisClient, api, cfg.CatalogCacheTTL, logger)
	stripe := provider.NewStripeClient(cfg.StripePublishableKey, logger).
		WithBaseURL(cfg.StripeBaseURL).
		WithDryRun(cfg.StripeDryRun)

	deps := wizard.Deps{
		Backend:        api,
		Confirmer:      stripe,
		Creator:        stripe,
		FormAction:     cfg.FormAction,
		Debounce:       cfg.QuoteDebounce,
		PayoffDebounce: cfg.PayoffDebounce,
		Metrics:        m,
		Logger:         logger,
	}
	if recorder != nil {
		deps.Recorder = recorder
	}

	manager := wizard.NewManager(deps, catalogs, logger).WithIdleTimeout(cfg.SessionIdleTimeout)
	if redisClient != nil {
		manager.WithDrafts(booking.NewRedisDraftStore(redisClient, cfg.DraftTTL))
	}
	if cfg.StripeDryRun {
		logger.Warn("stripe dry-run enabled; payments are not confirmed")
	}

	return &Checkout{Backend: api, Catalogs: catalogs, Stripe: stripe, Manager: manager}, nil
}
