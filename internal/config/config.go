// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Chat modes.
const (
	ChatModeLocal    = "local"
	ChatModeDelegate = "delegate"
)

// Storage backends.
const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

// Context store backends.
const (
	ContextStoreMemory = "memory"
	ContextStoreRedis  = "redis"
)

// DefaultJWTSecret is used when JWT_SECRET is unset. Development only.
const DefaultJWTSecret = "mindfulme-dev-secret-change-in-production"

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	LogLevel       slog.Level
	StorageBackend string
	DBPath         string
	KBPath         string
	ChatMode       string
	Delegate       DelegateConfig
	Context        ContextConfig
	Auth           AuthConfig
	RateLimit      RateLimitConfig
	Retention      RetentionConfig
	MaxRequestBody int64
}

// DelegateConfig controls the external LLM delegate.
type DelegateConfig struct {
	URL     string
	Timeout time.Duration
}

// ContextConfig controls where conversation contexts live.
type ContextConfig struct {
	Store         string
	CacheSize     int
	TTL           time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// AuthConfig controls bearer token verification.
type AuthConfig struct {
	JWTSecret    string
	DevAuthToken string
}

// RateLimitConfig bounds chat sends per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// RetentionConfig controls the idle conversation sweeper. A zero MaxAge disables it.
type RetentionConfig struct {
	MaxAge   time.Duration
	Interval time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		LogLevel:       getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", StorageSQLite)),
		DBPath:         getEnv("DB_PATH", "./data/mindfulme.db"),
		KBPath:         getEnv("KB_PATH", "./data/kb.json"),
		ChatMode:       strings.ToLower(getEnv("CHAT_MODE", ChatModeLocal)),
		Delegate: DelegateConfig{
			URL:     getEnv("DELEGATE_URL", "http://localhost:8000"),
			Timeout: getEnvDuration("DELEGATE_TIMEOUT", 15*time.Second),
		},
		Context: ContextConfig{
			Store:         strings.ToLower(getEnv("CONTEXT_STORE", ContextStoreMemory)),
			CacheSize:     getEnvInt("CONTEXT_CACHE_SIZE", 10000),
			TTL:           getEnvDuration("CONTEXT_TTL", 24*time.Hour),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret:    getEnv("JWT_SECRET", DefaultJWTSecret),
			DevAuthToken: getEnv("DEV_AUTH_TOKEN", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Retention: RetentionConfig{
			MaxAge:   getEnvDuration("CONVERSATION_RETENTION", 0),
			Interval: getEnvDuration("RETENTION_INTERVAL", time.Hour),
		},
		MaxRequestBody: int64(getEnvInt("MAX_REQUEST_BODY_BYTES", 64*1024)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
//
//nolint:gocyclo // Flat list of independent checks.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.StorageBackend {
	case StorageSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", StorageSQLite, StorageMemory, c.StorageBackend)
	}
	if c.KBPath == "" {
		return fmt.Errorf("KB_PATH cannot be empty")
	}
	switch c.ChatMode {
	case ChatModeLocal:
	case ChatModeDelegate:
		if c.Delegate.URL == "" {
			return fmt.Errorf("DELEGATE_URL cannot be empty in delegate mode")
		}
	default:
		return fmt.Errorf("CHAT_MODE must be %q or %q, got %q", ChatModeLocal, ChatModeDelegate, c.ChatMode)
	}
	if c.Delegate.Timeout <= 0 {
		return fmt.Errorf("DELEGATE_TIMEOUT must be > 0")
	}
	switch c.Context.Store {
	case ContextStoreMemory:
		if c.Context.CacheSize <= 0 {
			return fmt.Errorf("CONTEXT_CACHE_SIZE must be > 0")
		}
	case ContextStoreRedis:
		if c.Context.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR cannot be empty when CONTEXT_STORE=redis")
		}
	default:
		return fmt.Errorf("CONTEXT_STORE must be %q or %q, got %q", ContextStoreMemory, ContextStoreRedis, c.Context.Store)
	}
	if c.Context.TTL <= 0 {
		return fmt.Errorf("CONTEXT_TTL must be > 0")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET cannot be empty")
	}
	if !c.IsDevelopment() {
		if c.Auth.JWTSecret == DefaultJWTSecret {
			return fmt.Errorf("JWT_SECRET must be set outside development")
		}
		if c.Auth.DevAuthToken != "" {
			return fmt.Errorf("DEV_AUTH_TOKEN is only allowed in development")
		}
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.Retention.MaxAge < 0 {
		return fmt.Errorf("CONVERSATION_RETENTION cannot be negative")
	}
	if c.Retention.MaxAge > 0 && c.Retention.Interval <= 0 {
		return fmt.Errorf("RETENTION_INTERVAL must be > 0 when retention is enabled")
	}
	if c.MaxRequestBody <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_BYTES must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// DelegateEnabled reports whether replies are generated by the external delegate.
func (c *Config) DelegateEnabled() bool {
	return c.ChatMode == ChatModeDelegate
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
