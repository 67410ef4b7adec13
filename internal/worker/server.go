package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/thumbflow/internal/backend"
	"github.com/dunamismax/thumbflow/internal/config"
	"github.com/dunamismax/thumbflow/internal/domain"
	"github.com/dunamismax/thumbflow/internal/pipeline"
	"github.com/dunamismax/thumbflow/internal/queue"
	"github.com/dunamismax/thumbflow/internal/storage"
	"github.com/dunamismax/thumbflow/internal/store"
	"github.com/dunamismax/thumbflow/internal/thumbnail"
	"github.com/dunamismax/thumbflow/internal/webhook"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	logger          zerolog.Logger
	server          *asynq.Server
	lifecycle       *thumbnail.Lifecycle
	sem             chan struct{}
	localProcessor  processor
	objectProcessor processor
	webhookClient   webhookSender
	jobStore        store.JobStore
	usageStore      store.UsageStore
	defaults        config.ThumbnailConfig
	metrics         *metrics
	tracer          trace.Tracer
}

type processor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type webhookSender interface {
	Deliver(ctx context.Context, endpoint string, ev webhook.ThumbnailEvent) error
}

func NewServer(
	logger zerolog.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	thumbCfg config.ThumbnailConfig,
	storageClient *storage.Client,
	webhookClient *webhook.Client,
	jobStore store.JobStore,
	usageStore store.UsageStore,
) (*Server, error) {
	if storageClient == nil {
		return nil, fmt.Errorf("storage client is required")
	}

	logger = logger.With().Str("component", "worker").Logger()
	m := newMetrics()

	thumbnailer, lifecycle := backend.NewThumbnailer(
		backend.RuntimeOptions{
			ConcurrencyLevel: thumbCfg.Concurrency,
			MaxCacheFiles:    thumbCfg.MaxCacheFiles,
			MaxCacheMem:      thumbCfg.MaxCacheMem,
			MaxCacheSize:     thumbCfg.MaxCacheSize,
		},
		thumbnail.WithLogger(logger),
		thumbnail.WithObserver(m),
	)
	// A runtime that cannot start is fatal for the worker.
	if err := lifecycle.Init(); err != nil {
		return nil, err
	}

	localProcessor, err := pipeline.NewLocalProcessor(workerCfg.LocalOutputDir, thumbnailer, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize pipeline processor: %w", err)
	}

	objectProcessor, err := pipeline.NewObjectStoreProcessor(
		storageClient,
		workerCfg.OutputPrefix,
		workerCfg.TempDir,
		thumbnailer,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("initialize object-store processor: %w", err)
	}

	if usageStore == nil {
		if jobAndUsageStore, ok := jobStore.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}

	var sender webhookSender
	if webhookClient != nil {
		sender = webhookClient
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Warn().
						Str("task_type", task.Type()).
						Int("retry", retried).
						Int("max_retry", maxRetry).
						Err(err).
						Msg("task failed")
				}),
			},
		),
		lifecycle:       lifecycle,
		sem:             make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		localProcessor:  localProcessor,
		objectProcessor: objectProcessor,
		webhookClient:   sender,
		jobStore:        jobStore,
		usageStore:      usageStore,
		defaults:        thumbCfg,
		metrics:         m,
		tracer:          otel.Tracer("thumbflow/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	defer s.lifecycle.Shutdown()

	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeCreateThumbnail, s.handleCreateThumbnail)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleCreateThumbnail(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseCreateThumbnailPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.create_thumbnail", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
		attribute.Bool("job.raw", payload.Raw != nil),
		attribute.Int("job.target_size", payload.TargetSize),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(payload.SourceType, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(payload.SourceType, outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	logger := s.logger.With().Str("job_id", payload.JobID).Logger()
	logger.Info().
		Str("source_type", payload.SourceType).
		Str("object_key", payload.ObjectKey).
		Bool("raw", payload.Raw != nil).
		Int("target_size", payload.TargetSize).
		Msg("processing thumbnail job")

	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	result, err := s.processorFor(payload.SourceType).Process(ctx, s.requestFor(payload))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "thumbnail failed")

		permanent := isPermanent(err)
		if !permanent && !lastAttempt(ctx) {
			logger.Warn().Err(err).Msg("thumbnail attempt failed, will retry")
			return fmt.Errorf("run pipeline: %w", err)
		}

		s.failJob(ctx, payload.JobID, err)
		s.dispatchWebhook(ctx, payload, webhook.Failed(payload.JobID, err, kindName(err), time.Now()))
		if permanent {
			return fmt.Errorf("run pipeline: %w: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("run pipeline: %w", err)
	}

	thumb := result.Output.Result()
	logger.Info().
		Str("path", thumb.Path).
		Str("format", thumb.Format).
		Int("thumb_width", thumb.Width).
		Int("thumb_height", thumb.Height).
		Bool("has_alpha", thumb.HasAlpha).
		Msg("thumbnail job completed")

	s.completeJob(ctx, payload.JobID, thumb)
	s.metrics.thumbnailsTotal.WithLabelValues(thumb.Format).Inc()
	s.recordUsage(ctx, payload, result, time.Since(startedAt))

	if err := s.dispatchWebhook(ctx, payload, webhook.Completed(payload.JobID, thumb, time.Now())); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return err
	}

	outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "processed")
	return nil
}

func (s *Server) processorFor(sourceType string) processor {
	if strings.EqualFold(sourceType, domain.SourceTypeLocalFile) {
		return s.localProcessor
	}
	return s.objectProcessor
}

func (s *Server) requestFor(payload queue.CreateThumbnailPayload) pipeline.Request {
	req := pipeline.Request{
		JobID:      payload.JobID,
		SourceType: payload.SourceType,
		ObjectKey:  payload.ObjectKey,
		Raw:        payload.Raw,
		TargetSize: payload.TargetSize,
		Quality:    payload.Quality,
	}
	if req.TargetSize == 0 {
		req.TargetSize = s.defaults.DefaultTargetSize
	}
	if req.Quality == 0 {
		req.Quality = s.defaults.DefaultQuality
	}
	return req
}

// isPermanent reports whether retrying err can never succeed.
func isPermanent(err error) bool {
	for _, target := range []error{
		thumbnail.ErrInvalidRequest,
		thumbnail.ErrDecode,
		thumbnail.ErrInvalidBuffer,
		thumbnail.ErrResize,
		pipeline.ErrNotAnImage,
		pipeline.ErrUnsupportedSourceType,
		storage.ErrSourceMissing,
		storage.ErrRawSizeMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func lastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

func kindName(err error) string {
	switch thumbnail.KindOf(err) {
	case thumbnail.ErrInvalidRequest:
		return "invalid_request"
	case thumbnail.ErrDecode:
		return "decode"
	case thumbnail.ErrInvalidBuffer:
		return "invalid_buffer"
	case thumbnail.ErrResize:
		return "resize"
	case thumbnail.ErrAnalysis:
		return "analysis"
	case thumbnail.ErrEncode:
		return "encode"
	case thumbnail.ErrRuntimeInit:
		return "runtime_init"
	}
	switch {
	case errors.Is(err, pipeline.ErrNotAnImage):
		return "not_an_image"
	case errors.Is(err, pipeline.ErrUnsupportedSourceType):
		return "unsupported_source"
	case errors.Is(err, storage.ErrSourceMissing):
		return "source_missing"
	case errors.Is(err, storage.ErrRawSizeMismatch):
		return "invalid_buffer"
	}
	return "internal"
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Warn().Str("job_id", jobID).Str("status", status).Err(err).Msg("job status update failed")
	}
}

func (s *Server) completeJob(ctx context.Context, jobID string, result domain.ThumbnailResult) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.Complete(ctx, jobID, result); err != nil {
		s.logger.Warn().Str("job_id", jobID).Err(err).Msg("job completion update failed")
	}
}

func (s *Server) failJob(ctx context.Context, jobID string, cause error) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.Fail(ctx, jobID, cause.Error()); err != nil {
		s.logger.Warn().Str("job_id", jobID).Err(err).Msg("job failure update failed")
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.CreateThumbnailPayload, ev webhook.ThumbnailEvent) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Deliver(ctx, payload.WebhookURL, ev); err != nil {
		s.logger.Warn().
			Str("job_id", payload.JobID).
			Str("event", ev.Name()).
			Str("delivery_id", ev.DeliveryID).
			Err(err).
			Msg("webhook delivery failed")
		if errors.Is(err, webhook.ErrRejected) {
			return fmt.Errorf("dispatch webhook: %w: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("dispatch webhook: %w", err)
	}

	return nil
}

func (s *Server) recordUsage(ctx context.Context, payload queue.CreateThumbnailPayload, result pipeline.Result, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	userID := strings.TrimSpace(payload.UserID)
	if userID == "" && s.jobStore != nil {
		job, ok, err := s.jobStore.Get(ctx, payload.JobID)
		if err != nil {
			s.logger.Warn().Str("job_id", payload.JobID).Err(err).Msg("usage lookup failed")
		} else if ok {
			userID = strings.TrimSpace(job.UserID)
		}
	}
	if userID == "" {
		userID = "anonymous"
	}

	out := result.Output
	pixelsProcessed := int64(out.SourceWidth) * int64(out.SourceHeight)

	computeTimeMS := computeDuration.Milliseconds()
	if computeTimeMS < 1 {
		computeTimeMS = 1
	}

	usage := domain.UsageLog{
		UserID:          userID,
		JobID:           payload.JobID,
		PixelsProcessed: pixelsProcessed,
		BytesIn:         result.SourceBytes,
		BytesOut:        int64(out.Bytes),
		ComputeTimeMS:   computeTimeMS,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil {
		s.logger.Warn().Str("job_id", payload.JobID).Err(err).Msg("usage log write failed")
		return
	}

	s.metrics.pixelsProcessedTotal.Add(float64(pixelsProcessed))
	s.metrics.bytesInTotal.Add(float64(usage.BytesIn))
	s.metrics.bytesOutTotal.Add(float64(usage.BytesOut))
	s.metrics.computeTimeMSTotal.Add(float64(computeTimeMS))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
