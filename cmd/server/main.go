// CipherChat - Encrypted Chat Session Server
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
	"github.com/mkravets/cipherchat/internal/api"
	"github.com/mkravets/cipherchat/internal/chat"
	"github.com/mkravets/cipherchat/internal/config"
	"github.com/mkravets/cipherchat/internal/crypto"
	"github.com/mkravets/cipherchat/internal/identity"
	"github.com/mkravets/cipherchat/internal/middleware"
	"github.com/mkravets/cipherchat/internal/observability"
	"github.com/mkravets/cipherchat/internal/rag"
	"github.com/mkravets/cipherchat/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "driver", cfg.DBDriver, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	var repo store.Repository
	switch cfg.DBDriver {
	case config.DriverPostgres:
		repo, err = store.NewPostgres(context.Background(), cfg.DatabaseURL)
	default:
		repo, err = store.NewSQLite(cfg.DBPath)
	}
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
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
	slog.Info("Database connected")

	var keys crypto.KeyProvider
	switch cfg.KeyProvider {
	case config.KeyProviderHKDF:
		keys, err = crypto.NewHKDFProvider(cfg.MasterKey)
	default:
		keys, err = crypto.NewStaticProvider(cfg.KnownKeyID, cfg.PresharedKey)
	}
	if err != nil {
		slog.Error("Failed to initialize key provider", "error", err)
		os.Exit(1)
	}
	codec := crypto.NewCodec(keys)

	// Initialize services.
	var gen chat.Generator = rag.NewClient(cfg.RAGBaseURL, cfg.RAGTimeout)
	metrics := observability.NewMetrics("cipherchat")
	svc := chat.NewService(repo, codec, gen, metrics, cfg.RAGMaxTokens, cfg.RAGTimeout)

	// Initialize handlers.
	chatHandler := api.NewChatHandler(svc)

	r := newRouter(cfg, chatHandler)

	// Create server.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// newRouter assembles the HTTP surface. Operational endpoints (/health via
// Heartbeat, /metrics) sit outside the identity group so probes and scrapers
// reach them without an owner header.
func newRouter(cfg *config.Config, chatHandler *api.ChatHandler) chi.Router {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	allowedOrigins := []string{cfg.FrontendURL}
	if cfg.FrontendURL == "" {
		allowedOrigins = []string{"*"}
	}
	r.Use(middleware.CORS(allowedOrigins))

	r.Handle("/metrics", observability.MetricsHandler())

	// Everything else requires a resolved owner identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		chatHandler.RegisterRoutes(r)
	})

	return r
}
