package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/stockledger/internal/app"
	"github.com/meridian-erp/stockledger/internal/balance"
	"github.com/meridian-erp/stockledger/internal/costing"
	"github.com/meridian-erp/stockledger/internal/observability"
	"github.com/meridian-erp/stockledger/internal/platform/db"
	"github.com/meridian-erp/stockledger/internal/shared"
	"github.com/meridian-erp/stockledger/jobs"
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
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	metrics := observability.NewMetrics()
	handlers := jobs.NewHandlers(
		logger,
		balance.NewRepository(pool),
		costing.NewRepository(pool),
		shared.NewIdempotencyStore(pool),
		metrics,
		cfg.IdempotencyRetention,
	)

	scanTask, err := jobs.NewAggregateScanTask(time.Now())
	if err != nil {
		logger.Error("build aggregate scan task", slog.Any("error", err))
		os.Exit(1)
	}
	sweepTask, err := jobs.NewWavgSweepTask(time.Now())
	if err != nil {
		logger.Error("build wavg sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyRetention)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers:  handlers,
		Cron: []jobs.CronRegistration{
			{Spec: "15 1 * * *", Task: scanTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "45 1 * * *", Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 3 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
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
