package config

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, ChatModeLocal, cfg.ChatMode)
	assert.Equal(t, StorageSQLite, cfg.StorageBackend)
	assert.Equal(t, ContextStoreMemory, cfg.Context.Store)
	assert.Equal(t, 15*time.Second, cfg.Delegate.Timeout)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Zero(t, cfg.Retention.MaxAge)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.DelegateEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CHAT_MODE", "Delegate")
	t.Setenv("DELEGATE_TIMEOUT", "3s")
	t.Setenv("CONTEXT_STORE", "redis")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CONVERSATION_RETENTION", "720h")
	t.Setenv("FRONTEND_URL", "https://mindful.example.com")
	t.Setenv("JWT_SECRET", "production-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.DelegateEnabled())
	assert.Equal(t, 3*time.Second, cfg.Delegate.Timeout)
	assert.Equal(t, ContextStoreRedis, cfg.Context.Store)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 720*time.Hour, cfg.Retention.MaxAge)
	assert.False(t, cfg.IsDevelopment())
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	t.Setenv("CHAT_MODE", "magic")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAT_MODE")
}

func TestLoadRejectsUnknownStorage(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "mongo")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORAGE_BACKEND")
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("DELEGATE_TIMEOUT", "soon")
	t.Setenv("RATE_LIMIT_REQUESTS", "many")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.Delegate.Timeout)
	assert.Equal(t, 30, cfg.RateLimit.RequestsPerWindow)
}

func TestProductionRequiresOwnSecret(t *testing.T) {
	t.Setenv("FRONTEND_URL", "https://mindful.example.com")
	t.Setenv("JWT_SECRET", "")
	require.NoError(t, os.Unsetenv("JWT_SECRET"))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")

	t.Setenv("JWT_SECRET", DefaultJWTSecret)
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestProductionRejectsDevToken(t *testing.T) {
	t.Setenv("FRONTEND_URL", "https://mindful.example.com")
	t.Setenv("JWT_SECRET", "production-secret")
	t.Setenv("DEV_AUTH_TOKEN", "letmein")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEV_AUTH_TOKEN")
}

func TestDevelopmentAllowsDefaults(t *testing.T) {
	t.Setenv("DEV_AUTH_TOKEN", "letmein")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, DefaultJWTSecret, cfg.Auth.JWTSecret)
	assert.Equal(t, "letmein", cfg.Auth.DevAuthToken)
}
