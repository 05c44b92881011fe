package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends accepted in STORE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Identity sources accepted in IDENTITY_SOURCE.
const (
	IdentityPassthrough = "passthrough"
	IdentityDatabase    = "database"
)

// Config holds all configuration for the application.
type Config struct {
	Port string
	Env  string

	StoreBackend string
	SQLitePath   string
	DatabaseURL  string
	RedisURL     string
	StoreTimeout time.Duration

	IdentitySource string

	SendBuffer      int
	HistoryMaxLimit int
	AllowedOrigins  []string

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics when the selected backend has no connection URL.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		Env:              getEnv("ENV", "development"),
		StoreBackend:     strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
		SQLitePath:       getEnv("SQLITE_PATH", "./data/pairchat.db"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		StoreTimeout:     getDuration("STORE_TIMEOUT", 5*time.Second),
		IdentitySource:   strings.ToLower(getEnv("IDENTITY_SOURCE", IdentityPassthrough)),
		SendBuffer:       getInt("SEND_BUFFER", 64),
		HistoryMaxLimit:  getInt("HISTORY_MAX_LIMIT", 200),
		AllowedOrigins:   splitList(getEnv("ALLOWED_ORIGINS", "*")),
		AutoBlockEnabled: getEnv("AUTO_BLOCK_ENABLED", "false") == "true",
	}

	// Parse whitelist (comma-separated IPs or CIDRs)
	cfg.RateLimitWhitelist = splitList(os.Getenv("RATE_LIMIT_WHITELIST"))

	if cfg.Env == "production" {
		switch cfg.StoreBackend {
		case BackendPostgres:
			if cfg.DatabaseURL == "" {
				panic("DATABASE_URL is required for the postgres backend in production")
			}
		case BackendRedis:
			if cfg.RedisURL == "" {
				panic("REDIS_URL is required for the redis backend in production")
			}
		case BackendMemory:
			panic("STORE_BACKEND=memory is not durable and not allowed in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
