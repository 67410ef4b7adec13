package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dunamismax/thumbflow/internal/domain"
	"github.com/dunamismax/thumbflow/internal/queue"
	"github.com/dunamismax/thumbflow/internal/ratelimit"
	"github.com/dunamismax/thumbflow/internal/storage"
	"github.com/dunamismax/thumbflow/internal/store"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

type fakeQueue struct {
	payloads []queue.CreateThumbnailPayload
	err      error
}

func (q *fakeQueue) EnqueueCreateThumbnail(_ context.Context, payload queue.CreateThumbnailPayload) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: payload.JobID, Queue: "thumbnails", State: asynq.TaskStatePending}, nil
}

type fakeStorage struct {
	objects map[string]bool
}

func (s fakeStorage) PresignSourceUpload(_ context.Context, jobID string, _ time.Duration) (string, string, error) {
	key := storage.SourceKey(jobID)
	return key, "http://minio.test/bucket/" + key + "?sig=1", nil
}

func (s fakeStorage) SourceExists(_ context.Context, key string) (bool, error) {
	return s.objects[key], nil
}

type recordingBudget struct {
	deny     bool
	subjects []string
	costs    []int64
}

func (b *recordingBudget) Charge(_ context.Context, subject string, cost int64) (ratelimit.Decision, error) {
	b.subjects = append(b.subjects, subject)
	b.costs = append(b.costs, cost)
	if b.deny {
		return ratelimit.Decision{Cost: cost, RetryAfter: 1500 * time.Millisecond}, nil
	}
	return ratelimit.Decision{Allowed: true, Cost: cost, Remaining: 100 - cost}, nil
}

func newTestServer(q *fakeQueue, jobs store.JobStore, objects fakeStorage, opts Options) http.Handler {
	return NewServer(zerolog.Nop(), q, jobs, objects, opts).Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestCreateAndStartLocalThumbnail(t *testing.T) {
	src := filepath.Join(t.TempDir(), "frame.rgb")
	if err := os.WriteFile(src, make([]byte, 4*4*3), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	q := &fakeQueue{}
	jobs := store.NewMemoryJobStore()
	h := newTestServer(q, jobs, fakeStorage{}, Options{DefaultTargetSize: 128})

	body := `{"source_type":"LOCAL_FILE","object_key":"` + src + `","raw":{"width":4,"height":4,"bands":3,"orientation":6}}`
	rec := doJSON(t, h, http.MethodPost, "/v1/thumbnails", body, map[string]string{"X-User-ID": "user-7"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody(t, rec)
	jobID, _ := created["job_id"].(string)
	if created["target_size"].(float64) != 128 || created["quality"].(float64) != 75 {
		t.Fatalf("expected defaults applied, got %v", created)
	}

	job, ok, _ := jobs.Get(context.Background(), jobID)
	if !ok || job.UserID != "user-7" || job.SourceType != domain.SourceTypeLocalFile {
		t.Fatalf("unexpected stored job %+v", job)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/thumbnails/"+jobID+"/start", "", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on start, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(q.payloads) != 1 {
		t.Fatalf("expected one enqueued task, got %d", len(q.payloads))
	}
	p := q.payloads[0]
	if p.JobID != jobID || p.UserID != "user-7" || p.Raw == nil || p.Raw.Orientation != 6 || p.TargetSize != 128 {
		t.Fatalf("unexpected payload %+v", p)
	}

	job, _, _ = jobs.Get(context.Background(), jobID)
	if job.Status != domain.JobStatusQueued {
		t.Fatalf("expected queued job, got %s", job.Status)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/thumbnails/"+jobID+"/start", "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second start, got %d", rec.Code)
	}
}

func TestCreatePresignedThumbnailAndStartRequiresUpload(t *testing.T) {
	q := &fakeQueue{}
	jobs := store.NewMemoryJobStore()
	objects := fakeStorage{objects: map[string]bool{}}
	h := newTestServer(q, jobs, objects, Options{})

	rec := doJSON(t, h, http.MethodPost, "/v1/thumbnails", `{"source_type":"s3_presigned","target_size":64}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody(t, rec)
	jobID := created["job_id"].(string)
	upload := created["upload"].(map[string]any)
	if upload["object_key"] != "uploads/"+jobID+"/source" || upload["presigned_url_state"] != "ready" {
		t.Fatalf("unexpected upload block %v", upload)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/thumbnails/"+jobID+"/start", "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 before upload, got %d", rec.Code)
	}

	objects.objects["uploads/"+jobID+"/source"] = true
	rec = doJSON(t, h, http.MethodPost, "/v1/thumbnails/"+jobID+"/start", "", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 after upload, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStartReportsDuplicateTask(t *testing.T) {
	src := filepath.Join(t.TempDir(), "in.png")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	jobs := store.NewMemoryJobStore()
	h := newTestServer(&fakeQueue{err: asynq.ErrTaskIDConflict}, jobs, fakeStorage{}, Options{})

	rec := doJSON(t, h, http.MethodPost, "/v1/thumbnails", `{"source_type":"local_file","object_key":"`+src+`"}`, nil)
	jobID := decodeBody(t, rec)["job_id"].(string)

	rec = doJSON(t, h, http.MethodPost, "/v1/thumbnails/"+jobID+"/start", "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate task, got %d", rec.Code)
	}
}

func TestCreateRejectsInvalidRequests(t *testing.T) {
	h := newTestServer(&fakeQueue{}, store.NewMemoryJobStore(), fakeStorage{}, Options{})

	for name, body := range map[string]string{
		"missing source type": `{"object_key":"a.png"}`,
		"oversized target":    `{"source_type":"local_file","object_key":"a.png","target_size":99999}`,
		"bad raw bands":       `{"source_type":"local_file","object_key":"a.rgb","raw":{"width":2,"height":2,"bands":5}}`,
		"unknown field":       `{"source_type":"local_file","object_key":"a.png","pipeline":[]}`,
	} {
		rec := doJSON(t, h, http.MethodPost, "/v1/thumbnails", body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rec.Code)
		}
	}
}

func TestGetThumbnailReturnsResult(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	jobID := "0b6f2f4e-8a39-4b0e-9d0c-1c1f1f0a2b3c"
	if err := jobs.Create(context.Background(), domain.Job{ID: jobID, Status: domain.JobStatusCreated, SourceType: domain.SourceTypeLocalFile}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	if _, err := jobs.Complete(context.Background(), jobID, domain.ThumbnailResult{Path: "t.jpeg", Format: "jpeg", Width: 10, Height: 5}); err != nil {
		t.Fatalf("complete job: %v", err)
	}
	h := newTestServer(&fakeQueue{}, jobs, fakeStorage{}, Options{})

	rec := doJSON(t, h, http.MethodGet, "/v1/thumbnails/"+jobID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	view := decodeBody(t, rec)
	if view["status"] != domain.JobStatusSucceeded {
		t.Fatalf("unexpected status %v", view["status"])
	}
	result := view["result"].(map[string]any)
	if result["path"] != "t.jpeg" || result["width"].(float64) != 10 {
		t.Fatalf("unexpected result %v", result)
	}

	if rec := doJSON(t, h, http.MethodGet, "/v1/thumbnails/not-an-id", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodGet, "/v1/thumbnails/6a1c9f6e-0000-4000-8000-000000000000", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rec.Code)
	}
}

func TestBudgetRejectsWhenSpent(t *testing.T) {
	budget := &recordingBudget{deny: true}
	h := newTestServer(&fakeQueue{}, store.NewMemoryJobStore(), fakeStorage{}, Options{Budget: budget})

	rec := doJSON(t, h, http.MethodPost, "/v1/thumbnails", `{"source_type":"s3_presigned"}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("expected Retry-After 2, got %q", rec.Header().Get("Retry-After"))
	}
	if len(budget.subjects) != 1 || budget.subjects[0] != "anonymous" {
		t.Fatalf("expected anonymous subject, got %v", budget.subjects)
	}

	if rec := doJSON(t, h, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected reads to skip the budget, got %d", rec.Code)
	}
	if len(budget.costs) != 1 {
		t.Fatalf("expected reads not to be charged, got %v", budget.costs)
	}
}

func TestBudgetChargesRawPixelsOnStart(t *testing.T) {
	src := filepath.Join(t.TempDir(), "frame.rgb")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	budget := &recordingBudget{}
	h := newTestServer(&fakeQueue{}, store.NewMemoryJobStore(), fakeStorage{}, Options{Budget: budget})

	body := `{"source_type":"local_file","object_key":"` + src + `","raw":{"width":4000,"height":3000,"bands":3}}`
	rec := doJSON(t, h, http.MethodPost, "/v1/thumbnails", body, map[string]string{"X-User-ID": "user-9"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	jobID := decodeBody(t, rec)["job_id"].(string)

	rec = doJSON(t, h, http.MethodPost, "/v1/thumbnails/"+jobID+"/start", "", map[string]string{"X-User-ID": "user-9"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on start, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(budget.costs) != 2 || budget.costs[0] != createCost || budget.costs[1] != 12 {
		t.Fatalf("expected create then 12 megapixel charge, got %v", budget.costs)
	}
	if rec.Header().Get("X-RateLimit-Cost") != "12" {
		t.Fatalf("expected cost header, got %q", rec.Header().Get("X-RateLimit-Cost"))
	}

	metrics := doJSON(t, h, http.MethodGet, "/metrics", "", nil).Body.String()
	for _, want := range []string{
		`thumbflow_api_jobs_started_total{mode="raw",queue="thumbnails",source_type="local_file"} 1`,
		`thumbflow_api_budget_units_charged_total{mode="raw"} 13`,
	} {
		if !strings.Contains(metrics, want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(&fakeQueue{}, store.NewMemoryJobStore(), fakeStorage{}, Options{})
	doJSON(t, h, http.MethodGet, "/healthz", "", nil)

	rec := doJSON(t, h, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "thumbflow_api_requests_total") {
		t.Fatal("expected api request counter in metrics output")
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/v1/thumbnails":           "/v1/thumbnails",
		"/v1/thumbnails/abc":       "/v1/thumbnails/{id}",
		"/v1/thumbnails/abc/start": "/v1/thumbnails/{id}/start",
		"/healthz":                 "/healthz",
		"/v1/thumbnails/":          "/v1/thumbnails",
		"/favicon.ico":             "other",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%s) = %s, want %s", path, got, want)
		}
	}
}

func TestStatusClass(t *testing.T) {
	for code, want := range map[int]string{200: "2xx", 202: "2xx", 409: "4xx", 429: "4xx", 503: "5xx", 42: "other"} {
		if got := statusClass(code); got != want {
			t.Fatalf("statusClass(%d) = %s, want %s", code, got, want)
		}
	}
}
