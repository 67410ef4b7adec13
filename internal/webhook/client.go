package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/thumbflow/internal/domain"
	"github.com/dunamismax/thumbflow/internal/id"
)

const (
	HeaderSignature = "X-Thumbflow-Signature"
	HeaderTimestamp = "X-Thumbflow-Timestamp"
	HeaderEvent     = "X-Thumbflow-Event"
	HeaderDelivery  = "X-Thumbflow-Delivery"

	EventThumbnailCompleted = "thumbnail.completed"
	EventThumbnailFailed    = "thumbnail.failed"
)

// ErrRejected marks a delivery the receiver refused with a client error.
// Sending the same body again cannot succeed.
var ErrRejected = errors.New("webhook rejected by receiver")

// ThumbnailEvent reports the outcome of one thumbnail job. DeliveryID stays
// the same across retries so receivers can drop duplicates.
type ThumbnailEvent struct {
	DeliveryID string                  `json:"delivery_id"`
	JobID      string                  `json:"job_id"`
	Status     string                  `json:"status"`
	Result     *domain.ThumbnailResult `json:"result,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Kind       string                  `json:"error_kind,omitempty"`
	Timestamp  time.Time               `json:"timestamp"`
}

func Completed(jobID string, result domain.ThumbnailResult, at time.Time) ThumbnailEvent {
	return ThumbnailEvent{
		DeliveryID: id.New(),
		JobID:      jobID,
		Status:     domain.JobStatusSucceeded,
		Result:     &result,
		Timestamp:  at.UTC(),
	}
}

// Failed reports a job that will not be retried. kind is the short error
// class receivers can switch on.
func Failed(jobID string, cause error, kind string, at time.Time) ThumbnailEvent {
	return ThumbnailEvent{
		DeliveryID: id.New(),
		JobID:      jobID,
		Status:     domain.JobStatusFailed,
		Error:      cause.Error(),
		Kind:       kind,
		Timestamp:  at.UTC(),
	}
}

// Name is the event header value, derived from the job status.
func (e ThumbnailEvent) Name() string {
	if e.Status == domain.JobStatusSucceeded {
		return EventThumbnailCompleted
	}
	return EventThumbnailFailed
}

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	httpClient     *http.Client
	signingSecret  string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Client{
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		signingSecret:  cfg.SigningSecret,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
	}
}

// Deliver posts ev to endpoint, retrying transport errors, 5xx, 408 and 429
// with exponential backoff. A Retry-After from the receiver replaces the
// backoff step, capped at MaxBackoff. An empty endpoint is a no-op.
func (c *Client) Deliver(ctx context.Context, endpoint string, ev ThumbnailEvent) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}
	if ev.DeliveryID == "" {
		ev.DeliveryID = id.New()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Name(), err)
	}
	timestamp := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	signature := Sign(c.signingSecret, timestamp, body)

	backoff := c.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		wait, err := c.post(ctx, endpoint, ev, timestamp, signature, body)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrRejected) || ctx.Err() != nil {
			return fmt.Errorf("deliver %s for job %s: %w", ev.Name(), ev.JobID, err)
		}
		lastErr = err
		if attempt == c.maxAttempts {
			break
		}

		if wait <= 0 {
			wait = backoff
			backoff = min(backoff*2, c.maxBackoff)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(min(wait, c.maxBackoff)):
		}
	}
	return fmt.Errorf("deliver %s for job %s: gave up after %d attempts: %w", ev.Name(), ev.JobID, c.maxAttempts, lastErr)
}

// post makes one attempt. The duration is the receiver's Retry-After, if any.
func (c *Client) post(ctx context.Context, endpoint string, ev ThumbnailEvent, timestamp, signature string, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: build request: %w", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderEvent, ev.Name())
	req.Header.Set(HeaderDelivery, ev.DeliveryID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return 0, nil
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return retryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("receiver returned status %d", code)
	default:
		return 0, fmt.Errorf("%w: status %d", ErrRejected, code)
	}
}

// retryAfter parses the delay-seconds form of Retry-After.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Sign returns the signature header value for body sent at timestamp.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}
