package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/pairchat/internal/api/middleware"
	"github.com/eldtechnologies/pairchat/internal/config"
	"github.com/eldtechnologies/pairchat/internal/handlers"
	"github.com/eldtechnologies/pairchat/internal/router"
)

// Deps are the components the HTTP surface is built on.
type Deps struct {
	Handler *handlers.Handler
	Gateway http.Handler
	// Redis backs rate limiting. Rate limiting is off when nil.
	Redis *redis.Client
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, cfg *config.Config, deps Deps) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(router.MaxEncodedContentBytes + 4096))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	if deps.Redis != nil {
		limiter := middleware.NewRateLimiter(deps.Redis, logger, middleware.RateLimiterConfig{
			Whitelist:        cfg.RateLimitWhitelist,
			AutoBlockEnabled: cfg.AutoBlockEnabled,
		})
		r.Use(limiter.Middleware)
	} else {
		logger.Warn().Msg("no redis client configured, rate limiting disabled")
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", middleware.ParticipantHeader},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := deps.Handler

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/api", h.Root)
	r.Get("/health", h.Health)

	// Live connections
	r.Get("/ws", deps.Gateway.ServeHTTP)

	r.Get("/rooms/derive", h.DeriveRoom)
	r.Get("/rooms/{id}/messages", h.GetRoomMessages)
	r.Post("/rooms/{id}/messages", h.PostMessage)
	r.Get("/participants/{handle}/conversations", h.Conversations)

	return r
}
