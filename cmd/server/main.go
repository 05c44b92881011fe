package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/pairchat/internal/api"
	"github.com/eldtechnologies/pairchat/internal/config"
	"github.com/eldtechnologies/pairchat/internal/gateway"
	"github.com/eldtechnologies/pairchat/internal/handlers"
	"github.com/eldtechnologies/pairchat/internal/identity"
	"github.com/eldtechnologies/pairchat/internal/router"
	"github.com/eldtechnologies/pairchat/internal/session"
	"github.com/eldtechnologies/pairchat/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	// The service cannot run without its message store.
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("message store unavailable")
	}
	defer st.Close()

	resolver, err := newResolver(cfg, st)
	if err != nil {
		logger.Fatal().Err(err).Msg("identity resolver")
	}

	limiterClient, err := rateLimitClient(ctx, cfg, st)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}

	registry := session.NewRegistry()
	rt := router.New(st, registry, logger, router.Config{
		StoreTimeout:    cfg.StoreTimeout,
		HistoryMaxLimit: cfg.HistoryMaxLimit,
	})
	gw := gateway.New(rt, resolver, logger, gateway.Config{
		SendBuffer:     cfg.SendBuffer,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	mux := api.NewRouter(logger, cfg, api.Deps{
		Handler: handlers.NewHandler(rt, resolver, st, logger),
		Gateway: gw,
		Redis:   limiterClient,
	})

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("store", cfg.StoreBackend).
			Str("identity", cfg.IdentitySource).
			Msg("starting pairchat server")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server forced to shutdown")
	}
	// Hijacked WebSocket connections are not covered by srv.Shutdown.
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Int("open", gw.Count()).Msg("connections forced to close")
	}
	if _, shared := st.(*store.RedisStore); limiterClient != nil && !shared {
		limiterClient.Close()
	}

	logger.Info().Msg("server stopped")
}

// openStore connects the configured message store backend.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.MessageStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	switch cfg.StoreBackend {
	case config.BackendMemory:
		logger.Warn().Msg("using in-memory message store, history is lost on restart")
		return store.NewMemoryStore(), nil

	case config.BackendSQLite:
		s, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite")
		return s, nil

	case config.BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is not set")
		}
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		logger.Info().Msg("migrations completed")

		s, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to PostgreSQL")
		return s, nil

	case config.BackendRedis:
		if cfg.RedisURL == "" {
			return nil, errors.New("REDIS_URL is not set")
		}
		s, err := store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to Redis")
		return s, nil
	}
	return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
}

// newResolver builds the identity resolver. The database resolver reads the
// participants table of a SQL backend.
func newResolver(cfg *config.Config, st store.MessageStore) (identity.Resolver, error) {
	switch cfg.IdentitySource {
	case config.IdentityPassthrough:
		return identity.Passthrough{}, nil
	case config.IdentityDatabase:
		lookup, ok := st.(identity.ParticipantLookup)
		if !ok {
			return nil, fmt.Errorf("IDENTITY_SOURCE=database needs a sqlite or postgres store, have %q", cfg.StoreBackend)
		}
		return identity.NewDatabase(lookup), nil
	}
	return nil, fmt.Errorf("unknown IDENTITY_SOURCE %q", cfg.IdentitySource)
}

// rateLimitClient returns the Redis client rate limiting runs on: the
// store's own client on the redis backend, otherwise a client for REDIS_URL
// when one is set. Returns nil when Redis is not configured.
func rateLimitClient(ctx context.Context, cfg *config.Config, st store.MessageStore) (*redis.Client, error) {
	if rs, ok := st.(*store.RedisStore); ok {
		return rs.Client(), nil
	}
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
