package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/traceline-erp/traceline-erp/internal/allocation"
	"github.com/traceline-erp/traceline-erp/internal/app"
	"github.com/traceline-erp/traceline-erp/internal/grid"
	"github.com/traceline-erp/traceline-erp/internal/ledger"
	"github.com/traceline-erp/traceline-erp/internal/platform/cache"
	"github.com/traceline-erp/traceline-erp/jobs"
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

	pool, err := pgxpool.New(ctx, cfg.PGDSN)
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

	// The worker only sweeps derived grid state; it never allocates, so the
	// ledger wiring is read-only and skips the batch registry.
	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, nil, nil, nil)

	engine := allocation.NewEngine(cfg.NearExpiryWindow, cfg.RepackPriority)
	sheetCache := grid.NewCache(redisClient, cfg.SheetCacheTTL)
	gridRepo := grid.NewRepository(pool)
	gridService := grid.NewService(gridRepo, ledgerService, engine, sheetCache, nil)

	shortfallTask, err := jobs.NewShortfallRefreshTask(time.Now().UTC())
	if err != nil {
		logger.Error("build shortfall task", slog.Any("error", err))
		os.Exit(1)
	}
	archiveTask, err := jobs.NewSheetArchiveTask(time.Time{})
	if err != nil {
		logger.Error("build archive task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskShortfallRefresh, Handler: jobs.NewShortfallRefreshHandler(gridService, logger)},
			{Type: jobs.TaskSheetArchive, Handler: jobs.NewSheetArchiveHandler(gridService, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/30 * * * *", Task: shortfallTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "15 0 * * *", Task: archiveTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
