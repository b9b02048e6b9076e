package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/poscloud/webhook-engine/internal/alert"
	"github.com/poscloud/webhook-engine/internal/api"
	"github.com/poscloud/webhook-engine/internal/config"
	"github.com/poscloud/webhook-engine/internal/engine"
	"github.com/poscloud/webhook-engine/internal/store"
	ws "github.com/poscloud/webhook-engine/internal/websocket"
	"github.com/poscloud/webhook-engine/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL
	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	if err := pgStore.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	// Initialize Redis (delayed-task queue + rate limiter)
	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	// WebSocket ops feed
	hub := ws.NewHub(logger)
	go hub.Run()

	// Delivery pipeline
	queue := engine.NewQueue(redisStore.Client())
	rateLimiter := engine.NewRateLimiter(redisStore.Client(), logger)
	alerter := alert.NewAlerter(alert.TenantRecipientResolver{}, logger,
		alert.LogNotifier{Logger: logger}, hub)
	deliverer := worker.NewDeliverer(pgStore, queue, rateLimiter, alerter, hub, logger)

	pool := worker.NewPool(cfg.NumWorkers, deliverer, logger)
	pool.Start(ctx)

	runner := worker.NewRunner(queue, pool, logger)
	go runner.Start(ctx)

	sweeper := worker.NewSweeper(pgStore, pool, cfg.SweepInterval, logger)
	go sweeper.Start(ctx)

	go runPurgeLoop(ctx, pgStore, cfg.PurgeInterval, logger)

	// Management plane
	dispatcher := engine.NewDispatcher(pgStore, pgStore, queue, logger)
	router := api.NewRouter(pgStore, dispatcher, queue, hub)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	cancel()
	pool.Stop()

	logger.Info("server stopped")
}

// runPurgeLoop removes delivered records older than 90 days and failed
// records older than 120 days.
func runPurgeLoop(ctx context.Context, pgStore *store.PostgresStore, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := pgStore.PurgeOldDeliveries(ctx, time.Now())
			if err != nil {
				logger.Error("delivery purge failed", "error", err)
				continue
			}
			if purged > 0 {
				logger.Info("purged old deliveries", "count", purged)
			}
		}
	}
}
