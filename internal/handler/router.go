package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/support-router/internal/auth"
	"github.com/capitalize-ai/support-router/internal/middleware"
	"github.com/capitalize-ai/support-router/pkg/logger"
)

// RouterConfig holds everything the HTTP surface is built from.
type RouterConfig struct {
	Logger            *logger.Logger
	Gateway           auth.Gateway
	Health            *HealthHandler
	Auth              *AuthHandler
	Conversations     *ConversationHandler
	WebSocket         *WebSocketHandler
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewRouter wires handlers and middleware into a chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket endpoint; identity is established in-band
	r.Get("/ws", cfg.WebSocket.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
			r.Post("/register", cfg.Auth.Register)
			r.Post("/login", cfg.Auth.Login)
		})

		r.Route("/conversations", func(r chi.Router) {
			r.Use(middleware.Auth(cfg.Gateway))
			r.Use(middleware.AgentRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

			r.Get("/", cfg.Conversations.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", cfg.Conversations.Get)
				r.Post("/close", cfg.Conversations.Close)
			})
		})
	})

	return r
}
