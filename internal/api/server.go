package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/thumbflow/internal/domain"
	"github.com/dunamismax/thumbflow/internal/id"
	"github.com/dunamismax/thumbflow/internal/queue"
	"github.com/dunamismax/thumbflow/internal/ratelimit"
	"github.com/dunamismax/thumbflow/internal/store"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	logger                zerolog.Logger
	queueClient           queueEnqueuer
	jobStore              store.JobStore
	storage               objectStorage
	presignTTL            time.Duration
	defaultTargetSize     int
	defaultQuality        int
	budget                WorkBudget
	userIDHeader          string
	metrics               *metrics
	tracer                trace.Tracer
	mux                   *http.ServeMux
}

type queueEnqueuer interface {
	EnqueueCreateThumbnail(ctx context.Context, payload queue.CreateThumbnailPayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignSourceUpload(ctx context.Context, jobID string, expiry time.Duration) (key, url string, err error)
	SourceExists(ctx context.Context, key string) (bool, error)
}

// Options tunes a Server. Zero values select the defaults.
type Options struct {
	PresignTTL            time.Duration
	DefaultTargetSize     int
	DefaultQuality        int
	Budget                WorkBudget
	UserIDHeader          string
}

func NewServer(logger zerolog.Logger, queueClient queueEnqueuer, jobStore store.JobStore, storage objectStorage, opts Options) *Server {
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if opts.DefaultTargetSize <= 0 {
		opts.DefaultTargetSize = 256
	}
	if opts.DefaultQuality <= 0 {
		opts.DefaultQuality = 75
	}
	if strings.TrimSpace(opts.UserIDHeader) == "" {
		opts.UserIDHeader = "X-User-ID"
	}
	if storage == nil {
		storage = unavailableObjectStorage{}
	}

	s := &Server{
		logger:                logger.With().Str("component", "api").Logger(),
		queueClient:           queueClient,
		jobStore:              jobStore,
		storage:               storage,
		presignTTL:            opts.PresignTTL,
		defaultTargetSize:     opts.DefaultTargetSize,
		defaultQuality:        opts.DefaultQuality,
		budget:                opts.Budget,
		userIDHeader:          opts.UserIDHeader,
		metrics:               newMetrics(),
		tracer:                otel.Tracer("thumbflow/api"),
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s
}

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) PresignSourceUpload(context.Context, string, time.Duration) (string, string, error) {
	return "", "", errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) SourceExists(context.Context, string) (bool, error) {
	return false, errors.New("object storage is unavailable")
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/thumbnails", s.handleCreateThumbnail)
	s.mux.HandleFunc("GET /v1/thumbnails/{id}", s.handleGetThumbnail)
	s.mux.HandleFunc("POST /v1/thumbnails/{id}/start", s.handleStartThumbnail)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateThumbnail(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	req = req.WithDefaults(s.defaultTargetSize, s.defaultQuality)
	mode := jobMode(req.Raw)
	if !s.admit(w, r, mode, createCost) {
		return
	}

	now := time.Now().UTC()
	jobID := id.New()
	objectKey := strings.TrimSpace(req.ObjectKey)
	uploadState := "not_required"
	presignedPutURL := ""

	if req.SourceType == domain.SourceTypeS3Presigned {
		key, url, err := s.storage.PresignSourceUpload(r.Context(), jobID, s.presignTTL)
		if err != nil {
			s.logger.Error().Str("job_id", jobID).Err(err).Msg("generate presigned url failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to generate upload URL"})
			return
		}
		objectKey, presignedPutURL = key, url
		uploadState = "ready"
	}

	job := domain.Job{
		ID:         jobID,
		UserID:     strings.TrimSpace(r.Header.Get(s.userIDHeader)),
		Status:     domain.JobStatusCreated,
		SourceType: req.SourceType,
		WebhookURL: req.WebhookURL,
		ObjectKey:  objectKey,
		Raw:        req.Raw,
		TargetSize: req.TargetSize,
		Quality:    req.Quality,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Error().Str("job_id", job.ID).Err(err).Msg("create job failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create job"})
		return
	}
	s.metrics.jobsCreated.WithLabelValues(job.SourceType, mode).Inc()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      job.Status,
		"target_size": job.TargetSize,
		"quality":     job.Quality,
		"upload": map[string]string{
			"object_key":          job.ObjectKey,
			"presigned_put_url":   presignedPutURL,
			"presigned_url_state": uploadState,
		},
		"start_url": fmt.Sprintf("/v1/thumbnails/%s/start", job.ID),
	})
}

func (s *Server) handleGetThumbnail(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) handleStartThumbnail(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != domain.JobStatusCreated {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job already started"})
		return
	}

	if err := s.verifySourceExists(r.Context(), job); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	mode := jobMode(job.Raw)
	if !s.admit(w, r, mode, ratelimit.Cost(job)) {
		return
	}

	payload := queue.PayloadFromJob(job, job.UserID, time.Now().UTC())

	taskInfo, err := s.queueClient.EnqueueCreateThumbnail(r.Context(), payload)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job already started"})
		return
	}
	if err != nil {
		s.logger.Error().Str("job_id", job.ID).Err(err).Msg("enqueue failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue job"})
		return
	}
	s.metrics.jobsStarted.WithLabelValues(job.SourceType, mode, taskInfo.Queue).Inc()

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Warn().Str("job_id", job.ID).Err(err).Msg("update status failed")
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if !id.Valid(jobID) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job id"})
		return domain.Job{}, false
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Error().Str("job_id", jobID).Err(err).Msg("fetch job failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return domain.Job{}, false
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return domain.Job{}, false
	}
	return job, true
}

func (s *Server) verifySourceExists(ctx context.Context, job domain.Job) error {
	switch job.SourceType {
	case domain.SourceTypeLocalFile:
		if _, err := os.Stat(job.ObjectKey); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("source object is missing: %s", job.ObjectKey)
			}
			return fmt.Errorf("source object check failed: %w", err)
		}
		return nil
	default:
		exists, err := s.storage.SourceExists(ctx, job.ObjectKey)
		if err != nil {
			return fmt.Errorf("source object check failed: %w", err)
		}
		if !exists {
			return fmt.Errorf("source object is missing: %s", job.ObjectKey)
		}
		return nil
	}
}

type jobView struct {
	JobID      string                  `json:"job_id"`
	Status     string                  `json:"status"`
	SourceType string                  `json:"source_type"`
	ObjectKey  string                  `json:"object_key"`
	Raw        *domain.RawSource       `json:"raw,omitempty"`
	TargetSize int                     `json:"target_size"`
	Quality    int                     `json:"quality"`
	Result     *domain.ThumbnailResult `json:"result,omitempty"`
	Error      string                  `json:"error,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
	UpdatedAt  time.Time               `json:"updated_at"`
}

func newJobView(job domain.Job) jobView {
	return jobView{
		JobID:      job.ID,
		Status:     job.Status,
		SourceType: job.SourceType,
		ObjectKey:  job.ObjectKey,
		Raw:        job.Raw,
		TargetSize: job.TargetSize,
		Quality:    job.Quality,
		Result:     job.Result,
		Error:      job.Error,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
