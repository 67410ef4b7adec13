package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/thumbflow/internal/backend"
	"github.com/dunamismax/thumbflow/internal/config"
	"github.com/dunamismax/thumbflow/internal/storage"
	"github.com/dunamismax/thumbflow/internal/store"
	"github.com/dunamismax/thumbflow/internal/telemetry"
	"github.com/dunamismax/thumbflow/internal/webhook"
	"github.com/dunamismax/thumbflow/internal/worker"
	"github.com/rs/zerolog"
)

func main() {
	cfg := config.Load()
	zerolog.TimeFieldFormat = time.RFC3339
	logger := config.NewLogger(cfg.Log, "thumbflow-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "thumbflow-worker",
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("tracing shutdown failed")
		}
	}()

	storageClient, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("storage client setup failed")
	}

	var (
		jobStore   store.JobStore
		usageStore store.UsageStore
	)
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresJobStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres setup failed")
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("postgres schema setup failed")
		}
		jobStore, usageStore = pg, pg
	} else {
		logger.Warn().Msg("POSTGRES_DSN not set, job status and usage are kept in memory")
		mem := store.NewMemoryJobStore()
		jobStore, usageStore = mem, mem
	}

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
	})

	logger.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Int("max_active_jobs", cfg.Worker.MaxActiveJobs).
		Str("queue", cfg.Queue.Name).
		Str("redis", cfg.Queue.RedisAddr).
		Str("backend", backend.Name).
		Msg("starting worker")

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, cfg.Thumbnail, storageClient, webhookClient, jobStore, usageStore)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker setup failed")
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.Worker.MetricsAddr).Msg("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics listener failed")
		}
	}()
	defer metricsServer.Close()

	if err := srv.Run(); err != nil {
		logger.Error().Err(err).Msg("worker failed")
	}
}
