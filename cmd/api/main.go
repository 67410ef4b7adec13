package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/thumbflow/internal/api"
	"github.com/dunamismax/thumbflow/internal/config"
	"github.com/dunamismax/thumbflow/internal/queue"
	"github.com/dunamismax/thumbflow/internal/ratelimit"
	"github.com/dunamismax/thumbflow/internal/storage"
	"github.com/dunamismax/thumbflow/internal/store"
	"github.com/dunamismax/thumbflow/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	cfg := config.Load()
	zerolog.TimeFieldFormat = time.RFC3339
	logger := config.NewLogger(cfg.Log, "thumbflow-api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "thumbflow-api",
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}

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
	if err := storageClient.EnsureBucket(ctx); err != nil {
		logger.Warn().Err(err).Str("bucket", cfg.Storage.Bucket).Msg("bucket check failed, presigned uploads may fail")
	}

	jobStore, closeStore := openJobStore(ctx, cfg.Database, logger)
	defer closeStore()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Queue.MaxRetry, cfg.Queue.TaskTimeout)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn().Err(err).Msg("queue client close error")
		}
	}()

	opts := api.Options{
		PresignTTL:            cfg.API.PresignExpiry,
		DefaultTargetSize:     cfg.Thumbnail.DefaultTargetSize,
		DefaultQuality:        cfg.Thumbnail.DefaultQuality,
		UserIDHeader:          cfg.RateLimit.UserIDHeader,
	}
	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()

		budget, err := ratelimit.NewPixelBudget(redisClient, ratelimit.Config{
			Units:  cfg.RateLimit.Units,
			Window: cfg.RateLimit.Window,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("work budget setup failed")
		}
		opts.Budget = budget
	}

	app := api.NewServer(logger, queueClient, jobStore, storageClient, opts)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.API.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info().Msg("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown failed")
	}
}

// openJobStore uses Postgres when a DSN is configured and memory otherwise.
func openJobStore(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (store.JobStore, func()) {
	if cfg.DSN == "" {
		logger.Warn().Msg("POSTGRES_DSN not set, using in-memory job store")
		return store.NewMemoryJobStore(), func() {}
	}

	pg, err := store.NewPostgresJobStore(ctx, cfg.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres setup failed")
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres schema setup failed")
	}
	return pg, func() {
		if err := pg.Close(); err != nil {
			logger.Warn().Err(err).Msg("postgres close error")
		}
	}
}
