package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scholaris-erp/scholaris-erp/internal/app"
	"github.com/scholaris-erp/scholaris-erp/internal/ledger"
	"github.com/scholaris-erp/scholaris-erp/internal/observability"
	"github.com/scholaris-erp/scholaris-erp/internal/platform/cache"
	"github.com/scholaris-erp/scholaris-erp/internal/platform/db"
	"github.com/scholaris-erp/scholaris-erp/internal/shared"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
		logger.Error("connect postgres", slog.Any("error", err))
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

	metrics := observability.NewMetrics()

	ledgerRepo := ledger.NewRepository(pool)
	carryForward := ledger.NewCarryForwardHandler(ledgerRepo)
	guard := shared.NewSubmissionGuard(redisClient, cfg.SubmissionLockTTL)
	coordinator := ledger.NewCoordinator(ledgerRepo, ledger.NewPaymentValidator(), logger, ledger.CoordinatorConfig{
		SubmitTimeout: cfg.SubmitTimeout,
		Guard:         guard,
	})
	snapshotCache := ledger.NewSnapshotCache(redisClient, cfg.SnapshotTTL)
	ledgerService := ledger.NewService(ledgerRepo, carryForward, coordinator, snapshotCache)
	ledgerHandler := ledger.NewHandler(logger, ledgerService, metrics)

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		LedgerHandler: ledgerHandler,
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
