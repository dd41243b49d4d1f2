package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/trip-checkout/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/trip-checkout/internal/http/middleware"
	"github.com/wolfman30/trip-checkout/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	Sessions           *handlers.SessionsHandler
	Support            *handlers.SupportHandler
	Health             http.HandlerFunc
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string

	// SupportJWTSecret guards /support; empty rejects every support request.
	SupportJWTSecret string
	// DiscountLimiter throttles discount attempts per client (optional).
	DiscountLimiter *httpmiddleware.RateLimiter
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	health := cfg.Health
	if health == nil {
		health = handlers.Health(nil)
	}
	r.Get("/health", health)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	if h := cfg.Sessions; h != nil {
		discountLimit := func(next http.Handler) http.Handler { return next }
		if cfg.DiscountLimiter != nil {
			discountLimit = httpmiddleware.RateLimit(cfg.DiscountLimiter, httpmiddleware.ClientIP)
		}

		r.Post("/sessions", h.Create)
		r.Route("/sessions/{id}", func(s chi.Router) {
			s.Get("/", h.Get)
			s.Delete("/", h.Delete)
			s.Put("/buyer", h.PutBuyer)
			s.Put("/packages", h.PutPackages)
			s.Put("/addons", h.PutAddons)
			s.Put("/participants", h.PutParticipants)
			s.Put("/payment-method", h.PutPaymentMethod)
			s.Post("/step", h.GoTo)
			s.With(discountLimit).Post("/discount", h.ApplyDiscount)
			s.Delete("/discount", h.RemoveDiscount)
			s.Post("/instrument", h.ReportInstrument)
			s.Post("/payoff", h.SetPayoff)
			s.Get("/totals", h.Totals)
			s.Get("/events", h.Events)
			s.Post("/submit", h.Submit)
			s.Post("/submit/legacy", h.SubmitLegacy)
		})
	}

	if cfg.Support != nil {
		r.Route("/support", func(support chi.Router) {
			support.Use(httpmiddleware.SupportJWT(cfg.SupportJWTSecret))
			support.Get("/quotes/{paymentIntentID}", cfg.Support.LatestQuote)
			support.Get("/quote-stats", cfg.Support.QuoteStats)
		})
	}

	return r
}
