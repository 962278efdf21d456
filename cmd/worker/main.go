package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/dunamismax/bitmapmanipulator/internal/config"
	"github.com/dunamismax/bitmapmanipulator/internal/logging"
	"github.com/dunamismax/bitmapmanipulator/internal/metadata"
	"github.com/dunamismax/bitmapmanipulator/internal/pipeline"
	"github.com/dunamismax/bitmapmanipulator/internal/source"
	"github.com/dunamismax/bitmapmanipulator/internal/storage"
	"github.com/dunamismax/bitmapmanipulator/internal/store"
	"github.com/dunamismax/bitmapmanipulator/internal/telemetry"
	"github.com/dunamismax/bitmapmanipulator/internal/webhook"
	"github.com/dunamismax/bitmapmanipulator/internal/worker"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	base := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger := logging.Component(base, "worker")

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.WithError(err).Fatal("setup tracing")
	}
	defer flushTracing(shutdownTracing, logger)

	if err := pipeline.Startup(); err != nil {
		logger.WithError(err).Fatal("start image runtime")
	}
	defer pipeline.Shutdown()

	resolver := source.NewMux()
	objects, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.WithError(err).Warn("object storage disabled")
	} else {
		resolver.Handle(source.SchemeS3, source.ObjectStore{Storage: objects})
	}

	jobStore, closeStore, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		logger.WithError(err).Fatal("open job store")
	}
	defer closeStore()

	processor, err := pipeline.NewProcessor(resolver, cfg.Pipeline.MaxDimension,
		pipeline.WithLogger(logging.Component(base, "pipeline")),
	)
	if err != nil {
		logger.WithError(err).Fatal("create processor")
	}

	service, err := worker.NewService(processor, metadata.NewWriter(), worker.Options{
		QueueDepth: cfg.Pipeline.QueueDepth,
		Logger:     logging.Component(base, "service"),
	})
	if err != nil {
		logger.WithError(err).Fatal("create service")
	}
	defer service.Close()

	srv := worker.NewServer(logger, cfg.Queue.RedisClientOpt(), cfg.Queue.Name, service, jobStore, webhook.NewClient(cfg.Webhook))

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()
	defer metricsServer.Close()

	logger.WithFields(logrus.Fields{
		"queue":         cfg.Queue.Name,
		"redis":         cfg.Queue.RedisAddr,
		"max_dimension": cfg.Pipeline.MaxDimension,
		"output_dir":    cfg.Pipeline.OutputDir,
	}).Info("starting worker")

	// Run returns after SIGINT or SIGTERM once in-flight tasks finish.
	if err := srv.Run(); err != nil {
		logger.WithError(err).Error("worker failed")
		os.Exit(1)
	}
}

func flushTracing(shutdown telemetry.ShutdownFunc, logger *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.WithError(err).Warn("flush traces")
	}
}
