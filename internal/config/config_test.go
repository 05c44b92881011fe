package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("STORE_TIMEOUT", "")
	t.Setenv("SEND_BUFFER", "")

	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 64, cfg.SendBuffer)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "SQLite")
	t.Setenv("STORE_TIMEOUT", "750ms")
	t.Setenv("SEND_BUFFER", "8")
	t.Setenv("RATE_LIMIT_WHITELIST", " 10.0.0.0/8, ,127.0.0.1")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg := Load()

	assert.Equal(t, BackendSQLite, cfg.StoreBackend)
	assert.Equal(t, 750*time.Millisecond, cfg.StoreTimeout)
	assert.Equal(t, 8, cfg.SendBuffer)
	assert.Equal(t, []string{"10.0.0.0/8", "127.0.0.1"}, cfg.RateLimitWhitelist)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoadInvalidNumbersFallBack(t *testing.T) {
	t.Setenv("SEND_BUFFER", "-3")
	t.Setenv("STORE_TIMEOUT", "soon")

	cfg := Load()

	assert.Equal(t, 64, cfg.SendBuffer)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
}

func TestLoadProductionRequiresURL(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("STORE_BACKEND", BackendPostgres)
	t.Setenv("DATABASE_URL", "")

	require.Panics(t, func() { Load() })
}

func TestLoadProductionRejectsMemory(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("STORE_BACKEND", BackendMemory)

	require.Panics(t, func() { Load() })
}
