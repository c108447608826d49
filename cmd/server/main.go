// MindfulMe - Wellness Chatbot Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/mindfulme/mindfulme/internal/agent"
	"github.com/mindfulme/mindfulme/internal/api"
	"github.com/mindfulme/mindfulme/internal/chat"
	"github.com/mindfulme/mindfulme/internal/config"
	"github.com/mindfulme/mindfulme/internal/identity"
	"github.com/mindfulme/mindfulme/internal/kb"
	"github.com/mindfulme/mindfulme/internal/middleware"
	"github.com/mindfulme/mindfulme/internal/realtime"
	"github.com/mindfulme/mindfulme/internal/retention"
	"github.com/mindfulme/mindfulme/internal/store"
	"github.com/mindfulme/mindfulme/web"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "chat_mode", cfg.ChatMode)

	base, err := kb.Load(cfg.KBPath)
	if err != nil {
		var dsErr *kb.DatasetError
		if !errors.As(err, &dsErr) {
			slog.Error("Failed to load knowledge base", "error", err)
			os.Exit(1)
		}
		slog.Warn("Knowledge base unusable, falling back to builtin intents", "path", dsErr.Path, "error", dsErr.Err)
		base = kb.Builtin()
	}
	slog.Info("Knowledge base loaded", "intents", base.Len(), "patterns", base.PatternCount())

	repo, err := openRepository(cfg)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Storage ready", "backend", cfg.StorageBackend)

	contexts, closeContexts, err := openContextStore(cfg)
	if err != nil {
		slog.Error("Failed to initialize context store", "error", err)
		os.Exit(1)
	}
	defer closeContexts()

	opts := chat.Options{
		KnowledgeBase: base,
		Repository:    repo,
		Contexts:      contexts,
		Logger:        logger,
	}
	var prober api.DelegateProber
	if cfg.DelegateEnabled() {
		client := agent.NewClient(cfg.Delegate.URL, cfg.Delegate.Timeout, logger)
		opts.Delegate = client
		prober = client
		slog.Info("Delegate mode enabled", "url", cfg.Delegate.URL, "timeout", cfg.Delegate.Timeout)
	}

	svc, err := chat.NewService(opts)
	if err != nil {
		slog.Error("Failed to initialize chat service", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	go limiter.Run(ctx)

	if cfg.Retention.MaxAge > 0 {
		retention.NewSweeper(svc, cfg.Retention.MaxAge, cfg.Retention.Interval).Start(ctx)
	}

	sm := realtime.NewSessionManager()
	verifier := identity.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.DevAuthToken, logger)
	chatHandler := api.NewChatHandler(svc, limiter, sm, cfg.MaxRequestBody)
	systemHandler := api.NewSystemHandler(svc, prober)
	wsHandler := realtime.NewWebSocketHandler(svc, sm, limiter, cfg.FrontendURL, cfg.IsDevelopment())

	origins := []string{"*"}
	if !cfg.IsDevelopment() {
		origins = []string{cfg.FrontendURL}
	}

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(origins))

	// Public routes.
	r.Get("/health", systemHandler.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(verifier.Middleware)
		chatHandler.RegisterRoutes(r)
		systemHandler.RegisterRoutes(r)
	})

	r.With(verifier.Middleware).Get("/ws/chat", wsHandler.ServeHTTP)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sm.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped successfully")
}

func openRepository(cfg *config.Config) (store.Repository, error) {
	if cfg.StorageBackend == config.StorageMemory {
		slog.Warn("Using in-memory storage; conversations are lost on restart")
		return store.NewMemory(), nil
	}
	return store.NewSQLite(cfg.DBPath)
}

func openContextStore(cfg *config.Config) (chat.ContextStore, func(), error) {
	if cfg.Context.Store != config.ContextStoreRedis {
		return chat.NewMemoryContextStore(cfg.Context.CacheSize, cfg.Context.TTL), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Context.RedisAddr,
		Password: cfg.Context.RedisPassword,
		DB:       cfg.Context.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	slog.Info("Redis context store connected", "addr", cfg.Context.RedisAddr)

	closeFn := func() {
		if err := rdb.Close(); err != nil {
			slog.Error("Failed to close redis client", "error", err)
		}
	}
	return chat.NewRedisContextStore(rdb, cfg.Context.TTL), closeFn, nil
}
