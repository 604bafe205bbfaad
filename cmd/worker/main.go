package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/config"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/events"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/logging"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/provider"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/queue"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/registration"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/store"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/telemetry"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("run migrations", slog.Any("error", err))
		os.Exit(1)
	}

	q := queue.NewRedis(queue.RedisOptions{
		Addr:              cfg.RedisAddr,
		Password:          cfg.RedisPassword,
		DB:                cfg.RedisDB,
		Name:              cfg.QueueName,
		VisibilityTimeout: cfg.VisibilityTimeout,
	})
	defer q.Close()

	adapter := provider.NewHTTPClient(cfg.ProviderBaseURL, cfg.ProviderTimeout)
	sink := events.NewLogSink(logger.With(slog.String("component", "events")))

	processor := worker.NewProcessor(q, st, sink, logger.With(slog.String("component", "worker")), worker.Options{
		Concurrency:    cfg.WorkerConcurrency,
		PollInterval:   cfg.WorkerPollInterval,
		MaxAttempts:    cfg.MaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		BatchSize:      int64(cfg.BatchSize),
		LeaseExtension: cfg.VisibilityTimeout,
	})

	consumer := registration.NewConsumer(st, q, adapter, logger.With(slog.String("component", "consumer")), cfg.VerifyPollDelay, cfg.MaxAttempts)
	consumer.Register(processor)

	reconciler := registration.NewReconciler(st, q, logger.With(slog.String("component", "reconciler")), cfg.ReconcileInterval, cfg.ReconcileMinAge, cfg.MaxAttempts)
	go func() {
		if err := reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reconciler stopped", slog.Any("error", err))
		}
	}()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", slog.Any("error", err))
		}
	}()

	logger.Info("worker started",
		slog.Duration("visibility", cfg.VisibilityTimeout),
		slog.Duration("backoff_initial", cfg.BackoffInitial),
		slog.Int("concurrency", cfg.WorkerConcurrency),
	)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
	}
}
