package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/thumbflow/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeCreateThumbnail = "thumbnail:create"

type CreateThumbnailPayload struct {
	JobID       string            `json:"job_id"`
	UserID      string            `json:"user_id,omitempty"`
	SourceType  string            `json:"source_type"`
	WebhookURL  string            `json:"webhook_url,omitempty"`
	ObjectKey   string            `json:"object_key"`
	Raw         *domain.RawSource `json:"raw,omitempty"`
	TargetSize  int               `json:"target_size"`
	Quality     int               `json:"quality,omitempty"`
	RequestedAt time.Time         `json:"requested_at"`
}

// PayloadFromJob copies the processing parameters of job into a task payload.
func PayloadFromJob(job domain.Job, userID string, requestedAt time.Time) CreateThumbnailPayload {
	return CreateThumbnailPayload{
		JobID:       job.ID,
		UserID:      userID,
		SourceType:  job.SourceType,
		WebhookURL:  job.WebhookURL,
		ObjectKey:   job.ObjectKey,
		Raw:         job.Raw,
		TargetSize:  job.TargetSize,
		Quality:     job.Quality,
		RequestedAt: requestedAt,
	}
}

func NewCreateThumbnailTask(payload CreateThumbnailPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal thumbnail payload: %w", err)
	}
	return asynq.NewTask(TypeCreateThumbnail, body), nil
}

func ParseCreateThumbnailPayload(task *asynq.Task) (CreateThumbnailPayload, error) {
	var payload CreateThumbnailPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return CreateThumbnailPayload{}, fmt.Errorf("unmarshal thumbnail payload: %w", err)
	}
	return payload, nil
}
