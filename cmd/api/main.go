package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/api"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/config"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/logging"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/queue"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/ratelimit"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/registration"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/store"
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

	limiterClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewSubmitLimiter(limiterClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	producer := registration.NewProducer(st, q, logger.With(slog.String("component", "producer")), cfg.MaxAttempts)
	server := api.New(producer, st, q, limiter, logger.With(slog.String("component", "api")))

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", slog.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", slog.Any("error", err))
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
