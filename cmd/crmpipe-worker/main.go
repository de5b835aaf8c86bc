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

	"golang.org/x/sync/errgroup"

	"github.com/crmpipe/crmpipe/internal/api"
	"github.com/crmpipe/crmpipe/internal/bus/rabbitmq"
	"github.com/crmpipe/crmpipe/internal/config"
	"github.com/crmpipe/crmpipe/internal/consumer"
	crmpostgres "github.com/crmpipe/crmpipe/internal/crm/postgres"
	"github.com/crmpipe/crmpipe/internal/delayqueue"
	"github.com/crmpipe/crmpipe/internal/ingest"
	"github.com/crmpipe/crmpipe/internal/observability"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.LoadFromEnv("crmpipe-worker")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	db, err := crmpostgres.Open(context.Background(), crmpostgres.DBConfig{
		DSN:             cfg.Store.DSN,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxIdleTime: cfg.Store.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open store db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	repo := crmpostgres.NewRepository(db)

	retries := delayqueue.New(
		delayqueue.WithObserver(observability.SetPendingRetries),
		delayqueue.WithWorkers(cfg.Broker.PrefetchCount),
	)
	coordinator := &consumer.Coordinator{
		Scheduler: retries,
		Config: consumer.RetryConfig{
			Limit:         cfg.Broker.RetryLimit,
			Delay:         cfg.Broker.RetryDelay,
			RetryTerminal: cfg.Broker.RetryTerminalFailures,
		},
		IsTerminal: ingest.IsTerminal,
		Logger:     logger,
	}
	dispatcher := &consumer.Dispatcher{
		Handler:  ingest.NewApplier(repo, logger),
		Failures: coordinator,
		Prefetch: cfg.Broker.PrefetchCount,
		Logger:   logger,
	}
	broker := rabbitmq.NewSupervisor(rabbitmq.Config{
		URL:            cfg.Broker.URL,
		PrefetchCount:  cfg.Broker.PrefetchCount,
		ReconnectDelay: cfg.Broker.ReconnectDelay,
		PublishTimeout: cfg.Broker.PublishTimeout,
		ConsumerTag:    cfg.Service.Name,
	}, nil, dispatcher, logger)
	coordinator.Publisher = broker

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := broker.Start(ctx); err != nil {
		logger.Error("failed to connect to broker", slog.Any("error", err))
		os.Exit(1)
	}

	ops := &http.Server{
		Addr: cfg.Worker.HTTPAddress,
		Handler: api.NewOpsHandler(cfg, api.Dependencies{
			Logger:            logger,
			Readiness:         api.CombineReadinessChecks(repo.HealthCheck, broker.HealthCheck),
			DependencyTimeout: time.Second,
		}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return broker.Run(groupCtx) })
	group.Go(func() error { return retries.Run(groupCtx) })
	group.Go(func() error {
		logger.Info("starting worker ops server", slog.String("addr", cfg.Worker.HTTPAddress))
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return shutdown(logger, broker, retries, ops)
	})

	logger.Info("worker started", slog.Int("prefetch", cfg.Broker.PrefetchCount))
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

// shutdown stops consuming, lets in-flight deliveries finish, flushes
// pending retries while the publish channel is still open, then closes the
// connection and the ops server.
func shutdown(logger *slog.Logger, broker *rabbitmq.Supervisor, retries *delayqueue.Queue, ops *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info("shutting down worker")
	var errs []error
	if err := broker.StopConsumers(ctx); err != nil {
		errs = append(errs, err)
	}
	if pending := retries.Len(); pending > 0 {
		remaining := retries.Drain(ctx)
		logger.Info("flushed pending retries", slog.Int("pending", pending), slog.Int("remaining", remaining))
	}
	if err := broker.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := ops.Shutdown(ctx); err != nil {
		_ = ops.Close()
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
