// Package main is the entrypoint for the retina-batch API server and worker pool.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aurahealth/retina-batch/internal/analyzer"
	"github.com/aurahealth/retina-batch/internal/api"
	"github.com/aurahealth/retina-batch/internal/api/handler"
	mw "github.com/aurahealth/retina-batch/internal/api/middleware"
	"github.com/aurahealth/retina-batch/internal/cache"
	"github.com/aurahealth/retina-batch/internal/config"
	"github.com/aurahealth/retina-batch/internal/dispatch"
	"github.com/aurahealth/retina-batch/internal/events"
	"github.com/aurahealth/retina-batch/internal/imagestore"
	"github.com/aurahealth/retina-batch/internal/store"
	"github.com/aurahealth/retina-batch/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "analyzer", cfg.Analyzer.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Event publisher (Redis pub/sub, same instance as the cache)
	publisher, err := events.NewRedisPublisher(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create event publisher: %w", err)
	}
	defer publisher.Close()

	// 6. Analyzer and image store
	provider, err := analyzer.New(cfg.Analyzer)
	if err != nil {
		return fmt.Errorf("create analyzer: %w", err)
	}
	slog.Info("analyzer initialized", "provider", provider.Name())

	images := imagestore.NewHTTPStore(cfg.ImageStore.BaseURL, cfg.ImageStore.Timeout)

	// 7. Store, dispatcher, worker pool
	pgStore := store.NewPostgresStore(pool)
	dispatcher := dispatch.NewDispatcher(pgStore, redisCache, publisher, cfg.Dispatch.MaxBatchSize)
	workers := worker.NewPool(pgStore, provider, images, redisCache, publisher,
		cfg.Worker, cfg.Analyzer.InferenceTimeout)

	workerDone := make(chan error, 1)
	go func() {
		workerDone <- workers.Run(ctx)
	}()

	// 8. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Dispatch.RateLimitPerMin),

		HealthHandler: handler.NewHealthHandler(pgStore, redisCache),

		EnqueueHandler:    handler.NewEnqueueHandler(dispatcher),
		JobStatusHandler:  handler.NewJobStatusHandler(pgStore, redisCache),
		ListJobsHandler:   handler.NewListJobsHandler(pgStore),
		JobResultsHandler: handler.NewJobResultsHandler(pgStore, redisCache),
		CancelJobHandler:  handler.NewCancelJobHandler(dispatcher),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown: stop accepting requests, then wait for the workers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	select {
	case err := <-workerDone:
		if err != nil {
			return fmt.Errorf("worker pool: %w", err)
		}
	case <-shutdownCtx.Done():
		slog.Warn("worker pool did not stop before timeout")
	}

	slog.Info("server stopped gracefully")
	return nil
}
