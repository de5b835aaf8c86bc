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

	"github.com/crmpipe/crmpipe/internal/api"
	"github.com/crmpipe/crmpipe/internal/auth"
	"github.com/crmpipe/crmpipe/internal/bus/rabbitmq"
	"github.com/crmpipe/crmpipe/internal/config"
	crmpostgres "github.com/crmpipe/crmpipe/internal/crm/postgres"
	"github.com/crmpipe/crmpipe/internal/deadletter"
	"github.com/crmpipe/crmpipe/internal/observability"
	"github.com/crmpipe/crmpipe/internal/storage"
	s3store "github.com/crmpipe/crmpipe/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("crmpipe-api")
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

	// Publish-only: the API never consumes.
	broker := rabbitmq.NewSupervisor(rabbitmq.Config{
		URL:            cfg.Broker.URL,
		PrefetchCount:  cfg.Broker.PrefetchCount,
		ReconnectDelay: cfg.Broker.ReconnectDelay,
		PublishTimeout: cfg.Broker.PublishTimeout,
		ConsumerTag:    cfg.Service.Name,
	}, nil, nil, logger)
	if err := broker.Start(context.Background()); err != nil {
		logger.Error("failed to connect to broker", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = broker.Close() }()

	var (
		archive      storage.ObjectStore
		archiveReady api.ReadinessCheck
	)
	if cfg.ObjectStore.Endpoint != "" {
		store, err := s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		archive, archiveReady = store, store.HealthCheck
	}

	deps := api.Dependencies{
		Logger:    logger,
		Publisher: broker,
		Customers: repo,
		DeadLetters: deadletter.NewService(broker, archive, deadletter.Config{
			ExportLimit: cfg.DeadLetter.ExportLimit,
		}, logger),
		Readiness: api.CombineReadinessChecks(
			repo.HealthCheck,
			broker.HealthCheck,
			archiveReady,
		),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := broker.Run(ctx); err != nil {
			logger.Error("broker supervisor stopped", slog.Any("error", err))
		}
	}()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
