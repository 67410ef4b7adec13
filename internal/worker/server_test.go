package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/thumbflow/internal/config"
	"github.com/dunamismax/thumbflow/internal/domain"
	"github.com/dunamismax/thumbflow/internal/pipeline"
	"github.com/dunamismax/thumbflow/internal/queue"
	"github.com/dunamismax/thumbflow/internal/storage"
	"github.com/dunamismax/thumbflow/internal/store"
	"github.com/dunamismax/thumbflow/internal/thumbnail"
	"github.com/dunamismax/thumbflow/internal/webhook"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

type fakeProcessor struct {
	mu       sync.Mutex
	requests []pipeline.Request
	result   pipeline.Result
	err      error
}

func (p *fakeProcessor) Process(_ context.Context, req pipeline.Request) (pipeline.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return p.result, p.err
}

type sentEvent struct {
	endpoint string
	event    string
	body     webhook.ThumbnailEvent
}

type captureWebhook struct {
	events []sentEvent
	err    error
}

func (c *captureWebhook) Deliver(_ context.Context, endpoint string, ev webhook.ThumbnailEvent) error {
	c.events = append(c.events, sentEvent{endpoint: endpoint, event: ev.Name(), body: ev})
	return c.err
}

func newTestServer(jobs *store.MemoryJobStore, proc processor, hooks webhookSender) *Server {
	return &Server{
		logger:          zerolog.Nop(),
		sem:             make(chan struct{}, 1),
		localProcessor:  proc,
		objectProcessor: proc,
		webhookClient:   hooks,
		jobStore:        jobs,
		usageStore:      jobs,
		defaults:        config.ThumbnailConfig{DefaultTargetSize: 256, DefaultQuality: 75},
		metrics:         newMetrics(),
		tracer:          otel.Tracer("test"),
	}
}

func seedJob(t *testing.T, jobs *store.MemoryJobStore, id, userID string) {
	t.Helper()
	now := time.Now().UTC()
	if err := jobs.Create(context.Background(), domain.Job{
		ID:         id,
		UserID:     userID,
		Status:     domain.JobStatusQueued,
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  "input.png",
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func newTask(t *testing.T, payload queue.CreateThumbnailPayload) *asynq.Task {
	t.Helper()
	task, err := queue.NewCreateThumbnailTask(payload)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	return task
}

func TestHandleCreateThumbnailCompletesJob(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	seedJob(t, jobs, "job-1", "user-1")

	proc := &fakeProcessor{result: pipeline.Result{
		SourceBytes: 4_000,
		Output: pipeline.Output{
			Path:         "out/job-1/thumbnail.jpeg",
			Format:       thumbnail.FormatJPEG,
			Bytes:        900,
			Width:        256,
			Height:       192,
			SourceWidth:  800,
			SourceHeight: 600,
		},
	}}
	hooks := &captureWebhook{}
	s := newTestServer(jobs, proc, hooks)

	err := s.handleCreateThumbnail(context.Background(), newTask(t, queue.CreateThumbnailPayload{
		JobID:      "job-1",
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  "input.png",
		WebhookURL: "http://hooks.test/thumbs",
	}))
	if err != nil {
		t.Fatalf("handle task: %v", err)
	}

	if len(proc.requests) != 1 {
		t.Fatalf("expected one processor call, got %d", len(proc.requests))
	}
	if got := proc.requests[0]; got.TargetSize != 256 || got.Quality != 75 {
		t.Fatalf("expected defaults 256/75, got %d/%d", got.TargetSize, got.Quality)
	}

	job, _, _ := jobs.Get(context.Background(), "job-1")
	if job.Status != domain.JobStatusSucceeded || job.Result == nil {
		t.Fatalf("expected succeeded job with result, got %+v", job)
	}
	if job.Result.Width != 256 || job.Result.SourceWidth != 800 {
		t.Fatalf("unexpected stored result %+v", job.Result)
	}

	if len(hooks.events) != 1 || hooks.events[0].event != webhook.EventThumbnailCompleted {
		t.Fatalf("expected one completed webhook, got %+v", hooks.events)
	}
	if hooks.events[0].body.Result == nil || hooks.events[0].body.Result.Path != "out/job-1/thumbnail.jpeg" {
		t.Fatalf("unexpected webhook result %+v", hooks.events[0].body.Result)
	}

	usage := jobs.Usage()
	if len(usage) != 1 {
		t.Fatalf("expected one usage log, got %d", len(usage))
	}
	if usage[0].UserID != "user-1" || usage[0].PixelsProcessed != 480_000 {
		t.Fatalf("unexpected usage %+v", usage[0])
	}
	if usage[0].BytesIn != 4_000 || usage[0].BytesOut != 900 {
		t.Fatalf("unexpected usage bytes in=%d out=%d", usage[0].BytesIn, usage[0].BytesOut)
	}

	if got := testutil.ToFloat64(s.metrics.thumbnailsTotal.WithLabelValues(thumbnail.FormatJPEG)); got != 1 {
		t.Fatalf("expected one jpeg thumbnail counted, got %v", got)
	}
}

func TestHandleCreateThumbnailPermanentFailureSkipsRetry(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	seedJob(t, jobs, "job-2", "user-2")

	proc := &fakeProcessor{err: &thumbnail.Error{
		Kind:  thumbnail.ErrDecode,
		Stage: thumbnail.StageResolve,
		Err:   errors.New("truncated file"),
	}}
	hooks := &captureWebhook{}
	s := newTestServer(jobs, proc, hooks)

	err := s.handleCreateThumbnail(context.Background(), newTask(t, queue.CreateThumbnailPayload{
		JobID:      "job-2",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/job-2/source",
		TargetSize: 128,
		WebhookURL: "http://hooks.test/thumbs",
	}))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	if !errors.Is(err, thumbnail.ErrDecode) {
		t.Fatalf("expected decode error to be preserved, got %v", err)
	}

	job, _, _ := jobs.Get(context.Background(), "job-2")
	if job.Status != domain.JobStatusFailed || job.Error == "" {
		t.Fatalf("expected failed job with reason, got %+v", job)
	}
	if len(hooks.events) != 1 || hooks.events[0].event != webhook.EventThumbnailFailed {
		t.Fatalf("expected one failed webhook, got %+v", hooks.events)
	}
	if hooks.events[0].body.Kind != "decode" {
		t.Fatalf("expected error kind decode, got %q", hooks.events[0].body.Kind)
	}
	if len(jobs.Usage()) != 0 {
		t.Fatal("expected no usage for a failed job")
	}
}

func TestHandleCreateThumbnailRejectedWebhookSkipsRetry(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	seedJob(t, jobs, "job-6", "user-6")

	proc := &fakeProcessor{result: pipeline.Result{Output: pipeline.Output{Path: "out/job-6/thumbnail.png", Format: thumbnail.FormatPNG}}}
	hooks := &captureWebhook{err: fmt.Errorf("deliver: %w: status 410", webhook.ErrRejected)}
	s := newTestServer(jobs, proc, hooks)

	err := s.handleCreateThumbnail(context.Background(), newTask(t, queue.CreateThumbnailPayload{
		JobID:      "job-6",
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  "input.png",
		WebhookURL: "http://hooks.test/gone",
	}))
	if !errors.Is(err, asynq.SkipRetry) || !errors.Is(err, webhook.ErrRejected) {
		t.Fatalf("expected rejected webhook to skip retry, got %v", err)
	}
	if len(hooks.events) != 1 || hooks.events[0].body.DeliveryID == "" {
		t.Fatalf("expected one delivery with an id, got %+v", hooks.events)
	}
}

func TestHandleCreateThumbnailRejectsBadPayload(t *testing.T) {
	s := newTestServer(store.NewMemoryJobStore(), &fakeProcessor{}, nil)
	err := s.handleCreateThumbnail(context.Background(), asynq.NewTask(queue.TypeCreateThumbnail, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for malformed payload, got %v", err)
	}
}

func TestIsPermanent(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&thumbnail.Error{Kind: thumbnail.ErrInvalidBuffer, Stage: thumbnail.StageResolve}, true},
		{pipeline.ErrNotAnImage, true},
		{fmt.Errorf("stat uploads/x/source: %w", storage.ErrSourceMissing), true},
		{storage.ErrRawSizeMismatch, true},
		{&thumbnail.Error{Kind: thumbnail.ErrEncode, Stage: thumbnail.StageEncode}, false},
		{errors.New("connection reset"), false},
	}
	for _, tc := range cases {
		if got := isPermanent(tc.err); got != tc.want {
			t.Fatalf("isPermanent(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}

	if got := kindName(fmt.Errorf("get: %w", storage.ErrSourceMissing)); got != "source_missing" {
		t.Fatalf("unexpected kind %q", got)
	}
}

func TestRecordUsageFallsBackToAnonymous(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	s := newTestServer(jobs, &fakeProcessor{}, nil)

	s.recordUsage(context.Background(), queue.CreateThumbnailPayload{JobID: "job-3"}, pipeline.Result{
		SourceBytes: 100,
		Output:      pipeline.Output{Bytes: 50, SourceWidth: 10, SourceHeight: 10},
	}, 0)

	usage := jobs.Usage()
	if len(usage) != 1 {
		t.Fatalf("expected usage log, got %d", len(usage))
	}
	if usage[0].UserID != "anonymous" {
		t.Fatalf("expected anonymous user, got %s", usage[0].UserID)
	}
	if usage[0].ComputeTimeMS < 1 {
		t.Fatalf("expected compute_time_ms to be at least 1, got %d", usage[0].ComputeTimeMS)
	}
	if usage[0].PixelsProcessed != 100 {
		t.Fatalf("expected 100 pixels, got %d", usage[0].PixelsProcessed)
	}
}

func TestMetricsObserveStage(t *testing.T) {
	m := newMetrics()
	m.ObserveStage(thumbnail.StageResize, 5*time.Millisecond, nil)
	m.ObserveStage(thumbnail.StageEncode, time.Millisecond, errors.New("disk full"))

	if n := testutil.CollectAndCount(m.stageDuration); n != 2 {
		t.Fatalf("expected two stage series, got %d", n)
	}
}
