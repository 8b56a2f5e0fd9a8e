package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"

	"github.com/meridian-erp/stockledger/internal/api"
	"github.com/meridian-erp/stockledger/internal/app"
	"github.com/meridian-erp/stockledger/internal/balance"
	"github.com/meridian-erp/stockledger/internal/costing"
	"github.com/meridian-erp/stockledger/internal/engine"
	"github.com/meridian-erp/stockledger/internal/item"
	"github.com/meridian-erp/stockledger/internal/movement"
	"github.com/meridian-erp/stockledger/internal/observability"
	"github.com/meridian-erp/stockledger/internal/platform/cache"
	"github.com/meridian-erp/stockledger/internal/platform/db"
	"github.com/meridian-erp/stockledger/internal/shared"
	"github.com/meridian-erp/stockledger/internal/uom"
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

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, item cache and distributed locks disabled", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	var distLocker *redislock.Client
	if cfg.DistributedLock && redisClient != nil {
		distLocker = redislock.New(redisClient)
	}
	locks := shared.NewLockManager(distLocker, cfg.LockTTL, logger)

	itemRepo := item.NewRepository(pool)
	var items item.Source = itemRepo
	if redisClient != nil {
		items = item.NewCache(itemRepo, redisClient, cfg.ItemCacheTTL, logger)
	}

	costingRepo := costing.NewRepository(pool)
	fifo := costing.NewFifoManager(costingRepo, logger)
	wavg := costing.NewWavgManager(costingRepo, logger)

	balanceRepo := balance.NewRepository(pool)
	ledger := balance.NewLedger(balanceRepo, logger)

	movementRepo := movement.NewRepository(pool)
	recorder := movement.NewRecorder(movementRepo, logger)

	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)
	metrics := observability.NewMetrics()

	ledgerEngine := engine.New(items, uom.NewConverter(logger), fifo, wavg, ledger, recorder,
		locks, auditLogger, metrics, engine.Config{Policy: cfg.Policy()}, logger)

	apiHandler := api.NewHandler(logger, ledgerEngine, ledger, recorder, idempotencyStore)

	var jobHandler *jobs.Handler
	if redisClient != nil {
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
		jobHandler = jobs.NewHandler(inspector, jobsClient, logger)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:     logger,
		Config:     cfg,
		APIHandler: apiHandler,
		JobHandler: jobHandler,
		Pool:       pool,
		Metrics:    metrics,
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
