// The worker hosts the cache warmup queue, the cross-process invalidation
// listener, and a small health/metrics endpoint.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odyssey-erp/authz"
	"github.com/odyssey-erp/authz/internal/app"
	"github.com/odyssey-erp/authz/internal/platform/cache"
	"github.com/odyssey-erp/authz/internal/platform/db"
	"github.com/odyssey-erp/authz/jobs"
	"github.com/odyssey-erp/authz/notify"
	"github.com/odyssey-erp/authz/pgstore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	registry, err := app.LoadRegistry(cfg.ClassesPath)
	if err != nil {
		logger.Error("load resource classes", slog.Any("error", err))
		os.Exit(1)
	}
	engineCfg, err := authz.LoadConfig()
	if err != nil {
		logger.Error("load engine config", slog.Any("error", err))
		os.Exit(1)
	}
	engine, err := authz.New(*engineCfg, pgstore.New(pool), registry,
		authz.WithLogger(logger),
		authz.WithMetrics(authz.NewMetrics(nil)))
	if err != nil {
		logger.Error("init engine", slog.Any("error", err))
		os.Exit(1)
	}

	// Grants written by other processes reach this engine through the bus.
	bus := notify.New(redisClient, notify.WithLogger(logger))
	if err := bus.Listen(ctx, engine.InvalidateCaches); err != nil {
		logger.Error("subscribe invalidations", slog.Any("error", err))
		os.Exit(1)
	}

	warmupJob := jobs.NewCacheWarmupJob(engine, logger, nil)
	// The nightly run rebuilds the role snapshot even with no principal list.
	warmupTask, err := jobs.NewCacheWarmupTask(jobs.CacheWarmupPayload{})
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Warmup:    warmupJob,
		Cron: []jobs.CronRegistration{
			{Spec: "20 1 * * *", Task: warmupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() { _ = inspector.Close() }()

	router := chi.NewRouter()
	jobs.NewHandler(inspector, logger).MountRoutes(router)
	router.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.HealthAddr, Handler: router}
	go func() {
		logger.Info("health endpoint listening", slog.String("addr", cfg.HealthAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health endpoint", slog.Any("error", err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("health endpoint shutdown", slog.Any("error", err))
		}
	}()

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
