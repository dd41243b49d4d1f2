package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/trip-checkout/internal/api/router"
	"github.com/wolfman30/trip-checkout/internal/app/bootstrap"
	appconfig "github.com/wolfman30/trip-checkout/internal/config"
	"github.com/wolfman30/trip-checkout/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/trip-checkout/internal/http/middleware"
	"github.com/wolfman30/trip-checkout/internal/observability/metrics"
	"github.com/wolfman30/trip-checkout/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfg := appconfig.Load()

	// Initialize logger
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting trip-checkout bookingd",
		"env", cfg.Env,
		"port", cfg.Port,
		"backend", cfg.BackendBaseURL,
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	checkoutMetrics := metrics.NewCheckoutMetrics(registry)

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient == nil {
		logger.Warn("redis disabled; catalogs are not cached and drafts do not survive restarts")
	} else {
		defer redisClient.Close()
	}

	pool, quoteLog, err := bootstrap.BuildQuoteLog(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open quote log", "error", err)
		os.Exit(1)
	}
	if pool != nil {
		defer pool.Close()
	}

	core, err := bootstrap.BuildCheckout(cfg, redisClient, quoteLog, checkoutMetrics, logger)
	if err != nil {
		logger.Error("failed to wire checkout", "error", err)
		os.Exit(1)
	}
	go core.Manager.Run(ctx)

	if cfg.TripID > 0 {
		if _, err := core.Catalogs.Get(ctx, cfg.TripID); err != nil {
			logger.Warn("catalog warm-up failed", "trip_id", cfg.TripID, "error", err)
		}
	}

	limiter := httpmiddleware.NewRateLimiter(cfg.DiscountAttemptsPerMinute, cfg.DiscountAttemptsPerMinute)
	go limiter.Run(ctx, time.Minute)

	var ledger handlers.QuoteLedger
	if quoteLog != nil {
		ledger = quoteLog
	}

	r := router.New(&router.Config{
		Logger:             logger,
		Sessions:           handlers.NewSessionsHandler(core.Manager, logger),
		Support:            handlers.NewSupportHandler(ledger, registry, logger),
		Health:             handlers.Health(core.Manager),
		MetricsHandler:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		SupportJWTSecret:   cfg.SupportJWTSecret,
		DiscountLimiter:    limiter,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	// drafts are snapshotted before the quote cycles stop
	core.Manager.Close(shutdownCtx)
	stop()

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}
