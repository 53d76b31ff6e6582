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
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scholaris-erp/scholaris-erp/internal/app"
	jobmetrics "github.com/scholaris-erp/scholaris-erp/internal/jobs"
	"github.com/scholaris-erp/scholaris-erp/internal/ledger"
	"github.com/scholaris-erp/scholaris-erp/internal/platform/cache"
	"github.com/scholaris-erp/scholaris-erp/internal/platform/db"
	"github.com/scholaris-erp/scholaris-erp/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

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
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	ledgerRepo := ledger.NewRepository(pool)
	carryForward := ledger.NewCarryForwardHandler(ledgerRepo)
	coordinator := ledger.NewCoordinator(ledgerRepo, ledger.NewPaymentValidator(), logger, ledger.CoordinatorConfig{
		SubmitTimeout: cfg.SubmitTimeout,
	})
	snapshotCache := ledger.NewSnapshotCache(redisClient, cfg.SnapshotTTL)
	ledgerService := ledger.NewService(ledgerRepo, carryForward, coordinator, snapshotCache)

	jobMetrics := jobmetrics.NewMetrics(nil)
	sweepJob := jobs.NewKeySweepJob(pool, logger, jobMetrics, cfg.IdempotencyRetention)
	warmupJob := jobs.NewSnapshotWarmupJob(ledgerService, pool, logger, jobMetrics)

	sweepTask, err := jobs.NewKeySweepTask(jobs.KeySweepPayload{})
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	warmupTask, err := jobs.NewSnapshotWarmupTask(jobs.SnapshotWarmupPayload{})
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskKeySweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskSnapshotWarmup, Handler: warmupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 3 * * *", Task: sweepTask},
			{Spec: "30 5 * * *", Task: warmupTask},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	healthRouter := chi.NewRouter()
	jobs.NewHandler(inspector, logger).MountRoutes(healthRouter)
	healthRouter.Method(http.MethodGet, "/metrics", promhttp.Handler())
	healthServer := &http.Server{Addr: cfg.WorkerAddr, Handler: healthRouter}
	go func() {
		logger.Info("worker health endpoint", slog.String("addr", cfg.WorkerAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("worker health server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("health server shutdown", slog.Any("error", err))
		}
	}()

	logger.Info("worker started")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
