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

	"github.com/opsledger/apps/api/internal/app"
	"github.com/opsledger/apps/api/internal/config"
	"github.com/opsledger/apps/api/internal/handlers"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var docs store.Store
	switch cfg.StoreDriver {
	case config.StoreMemory:
		logger.Warn("memory_store_enabled", "env", cfg.Env)
		docs = memstore.NewWithLimits(cfg.StoreLimits)
	default:
		pool, err := pgstore.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("connect database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		docs = pgstore.New(pool, cfg.StoreLimits)
	}

	var (
		broker   *queue.Client
		enqueuer handlers.Enqueuer
	)
	if cfg.RabbitMQURL != "" {
		broker, err = queue.Dial(cfg.RabbitMQURL)
		if err != nil {
			logger.Error("connect rabbitmq", "error", err)
			os.Exit(1)
		}
		defer broker.Close()
		if err := broker.Declare(cfg.ImportQueue, cfg.ImportResultQueue); err != nil {
			logger.Error("declare queues", "error", err)
			os.Exit(1)
		}
		enqueuer = queue.NewProducer(broker, cfg.ImportQueue)
	}

	h := app.NewServer(cfg, docs, enqueuer, logger)
	router, err := app.NewRouter(cfg, h, logger)
	if err != nil {
		logger.Error("build router", "error", err)
		os.Exit(1)
	}

	if broker != nil {
		go func() {
			err := queue.ConsumeOutcomes(ctx, broker, cfg.ImportResultQueue, logger, h.StoreOutcome)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("import outcome listener stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	go func() {
		logger.Info("api_started",
			"addr", cfg.Addr,
			"store", cfg.StoreDriver,
			"hash_algorithm", cfg.HashAlgorithm,
			"async_imports", enqueuer != nil,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
