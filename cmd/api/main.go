package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/bitmapmanipulator/internal/api"
	"github.com/dunamismax/bitmapmanipulator/internal/config"
	"github.com/dunamismax/bitmapmanipulator/internal/logging"
	"github.com/dunamismax/bitmapmanipulator/internal/queue"
	"github.com/dunamismax/bitmapmanipulator/internal/ratelimit"
	"github.com/dunamismax/bitmapmanipulator/internal/storage"
	"github.com/dunamismax/bitmapmanipulator/internal/store"
	"github.com/dunamismax/bitmapmanipulator/internal/telemetry"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(logging.Config{}).WithError(err).Fatal("load config")
	}
	base := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger := logging.Component(base, "api")

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.WithError(err).Fatal("setup tracing")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.WithError(err).Warn("flush traces")
		}
	}()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.WithError(err).Warn("queue client close")
		}
	}()

	jobStore, closeStore, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		logger.WithError(err).Fatal("open job store")
	}
	defer closeStore()

	opts := api.Options{
		OutputDir:    cfg.Pipeline.OutputDir,
		UserIDHeader: cfg.RateLimit.UserIDHeader,
	}
	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()

		limiter, err := ratelimit.NewRedisFixedWindow(redisClient, cfg.RateLimit.Limit, cfg.RateLimit.Window, "")
		if err != nil {
			logger.WithError(err).Fatal("create rate limiter")
		}
		opts.RateLimiter = limiter
	}

	var objects *storage.Client
	objects, err = storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.WithError(err).Warn("object storage disabled")
	} else if err := objects.EnsureBucket(ctx); err != nil {
		logger.WithError(err).Warn("ensure bucket")
	}

	var app *api.Server
	if objects != nil {
		app = api.NewServer(logger, queueClient, jobStore, objects, opts)
	} else {
		app = api.NewServer(logger, queueClient, jobStore, nil, opts)
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.API.Addr).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
}
