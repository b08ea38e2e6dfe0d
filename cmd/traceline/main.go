package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/traceline-erp/traceline-erp/internal/allocation"
	"github.com/traceline-erp/traceline-erp/internal/app"
	"github.com/traceline-erp/traceline-erp/internal/batches"
	"github.com/traceline-erp/traceline-erp/internal/grid"
	"github.com/traceline-erp/traceline-erp/internal/ledger"
	"github.com/traceline-erp/traceline-erp/internal/observability"
	"github.com/traceline-erp/traceline-erp/internal/platform/cache"
	"github.com/traceline-erp/traceline-erp/internal/shared"
	"github.com/traceline-erp/traceline-erp/jobs"
)

// stockAdapter and batchInfoAdapter bridge the registry and the ledger.
// Both services are constructed first and the adapters are bound after, so
// neither constructor depends on the other's result.
type stockAdapter struct {
	ledger *ledger.Service
}

func (a *stockAdapter) AvailableForBatch(ctx context.Context, batchID int64) (float64, error) {
	return a.ledger.AvailableForBatch(ctx, batchID)
}

func (a *stockAdapter) PostWastage(ctx context.Context, input batches.WastageStockInput) error {
	_, err := a.ledger.RecordMovement(ctx, ledger.MovementInput{
		Type:         ledger.MovementAdjustment,
		ItemID:       input.ItemID,
		BatchID:      input.BatchID,
		FromLocation: input.LocationID,
		Quantity:     input.Quantity,
		Grade:        input.Grade,
		RefModule:    "batches",
		RefID:        uuid.NewString(),
		Note:         "wastage: " + input.Note,
		ActorID:      input.ActorID,
	})
	return err
}

type batchInfoAdapter struct {
	batches *batches.Service
}

func (a *batchInfoAdapter) Info(ctx context.Context, batchID int64) (ledger.BatchInfo, error) {
	batch, err := a.batches.Get(ctx, batchID)
	if err != nil {
		return ledger.BatchInfo{}, err
	}
	return ledger.BatchInfo{
		ReceivedQty:   batch.ReceivedQty,
		WastageQty:    batch.WastageQty,
		Repacked:      batch.IsRepacked,
		Grade:         batch.Grade,
		ShelfLifeDays: batch.ShelfLifeDays,
	}, nil
}

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

	dbpool, err := pgxpool.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	metrics := observability.NewMetrics()

	stockPort := &stockAdapter{}
	batchPort := &batchInfoAdapter{}

	batchRepo := batches.NewRepository(dbpool)
	batchService := batches.NewService(batchRepo, stockPort, auditLogger, batches.ServiceConfig{
		Prefix:   cfg.BatchPrefix,
		Calendar: shared.NewFiscalCalendar(cfg.FYStartMonth, cfg.FYStartDay),
	})

	ledgerRepo := ledger.NewRepository(dbpool)
	ledgerService := ledger.NewService(ledgerRepo, batchPort, auditLogger, idempotencyStore)

	stockPort.ledger = ledgerService
	batchPort.batches = batchService

	engine := allocation.NewEngine(cfg.NearExpiryWindow, cfg.RepackPriority)
	sheetCache := grid.NewCache(redisClient, cfg.SheetCacheTTL)
	gridRepo := grid.NewRepository(dbpool)
	gridService := grid.NewService(gridRepo, ledgerService, engine, sheetCache, metrics)

	batchHandler := batches.NewHandler(logger, batchService)
	ledgerHandler := ledger.NewHandler(logger, ledgerService)
	gridHandler := grid.NewHandler(logger, gridService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobsClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		BatchHandler:  batchHandler,
		LedgerHandler: ledgerHandler,
		GridHandler:   gridHandler,
		JobHandler:    jobHandler,
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
