package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/opsledger/apps/api/internal/audit"
	"github.com/opsledger/apps/api/internal/config"
	"github.com/opsledger/apps/api/internal/importer"
	"github.com/opsledger/apps/api/internal/importhash"
	"github.com/opsledger/apps/api/internal/queue"
	"github.com/opsledger/apps/api/internal/store"
	"github.com/opsledger/apps/api/internal/store/memstore"
	"github.com/opsledger/apps/api/internal/store/pgstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	if cfg.RabbitMQURL == "" {
		logger.Error("RABBITMQ_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var docs store.Store
	if cfg.StoreDriver == config.StoreMemory {
		logger.Warn("memory_store_enabled", "env", cfg.Env)
		docs = memstore.NewWithLimits(cfg.StoreLimits)
	} else {
		pool, err := pgstore.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("connect database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		docs = pgstore.New(pool, cfg.StoreLimits)
	}

	broker, err := queue.Dial(cfg.RabbitMQURL)
	if err != nil {
		logger.Error("connect rabbitmq", "error", err)
		os.Exit(1)
	}
	defer broker.Close()
	if err := broker.Declare(cfg.ImportQueue, cfg.ImportResultQueue); err != nil {
		logger.Error("declare queues", "error", err)
		os.Exit(1)
	}

	auditLogger := audit.NewLogger(docs)
	imp := importer.New(docs, importer.Config{
		Limits: cfg.StoreLimits,
		Hasher: importhash.New(cfg.HashAlgorithm),
		Logger: logger,
		Hooks:  []importer.PostCommitHook{importer.PriceAuditHook(auditLogger)},
	})

	handler := func(ctx context.Context, task queue.ImportTask) importer.Result {
		return imp.Import(ctx, task.EntityType, task.Rows, importer.Options{DryRun: task.DryRun, RunID: task.RunID})
	}
	consumer := queue.NewConsumer(broker, broker, handler, queue.ConsumerConfig{
		Queue:       cfg.ImportQueue,
		ResultQueue: cfg.ImportResultQueue,
		Prefetch:    cfg.WorkerPrefetch,
		MaxRetries:  cfg.WorkerMaxRetries,
		Logger:      logger,
	})

	logger.Info("worker_started", "queue", cfg.ImportQueue, "prefetch", cfg.WorkerPrefetch)
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("worker_stopped")
}
