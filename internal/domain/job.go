package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"

	MaxTargetSize   = 4096
	MaxRawBands     = 4
	MaxRawDimension = 10_000_000
)

// CreateJobRequest asks for one thumbnail of an image file, or of a raw
// decoded pixel buffer when Raw is set.
type CreateJobRequest struct {
	SourceType string     `json:"source_type"`
	WebhookURL string     `json:"webhook_url,omitempty"`
	ObjectKey  string     `json:"object_key,omitempty"`
	Raw        *RawSource `json:"raw,omitempty"`
	TargetSize int        `json:"target_size,omitempty"`
	Quality    int        `json:"quality,omitempty"`
}

// RawSource describes an interleaved 8-bit pixel buffer produced by an
// external decoder.
type RawSource struct {
	Width       int `json:"width"`
	Height      int `json:"height"`
	Bands       int `json:"bands"`
	Orientation int `json:"orientation,omitempty"`
}

// Size is the expected buffer length in bytes. Only meaningful after Validate.
func (r RawSource) Size() int64 {
	return int64(r.Width) * int64(r.Height) * int64(r.Bands)
}

type Job struct {
	ID         string
	UserID     string
	Status     string
	SourceType string
	WebhookURL string
	ObjectKey  string
	Raw        *RawSource
	TargetSize int
	Quality    int
	Result     *ThumbnailResult
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ThumbnailResult is what a succeeded job produced.
type ThumbnailResult struct {
	Path         string `json:"path"`
	Format       string `json:"format"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Bytes        int    `json:"bytes"`
	HasAlpha     bool   `json:"has_alpha"`
	SourceWidth  int    `json:"source_width"`
	SourceHeight int    `json:"source_height"`
}

func (r CreateJobRequest) Validate() error {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeS3Presigned {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if sourceType == SourceTypeLocalFile && strings.TrimSpace(r.ObjectKey) == "" {
		return errors.New("object_key is required for source_type=local_file")
	}
	if r.TargetSize < 0 || r.TargetSize > MaxTargetSize {
		return fmt.Errorf("target_size must be in [1,%d]", MaxTargetSize)
	}
	if r.Quality < 0 || r.Quality > 100 {
		return errors.New("quality must be in [1,100]")
	}
	if r.Raw != nil {
		if err := r.Raw.Validate(); err != nil {
			return fmt.Errorf("raw: %w", err)
		}
	}
	return nil
}

func (r RawSource) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return errors.New("width and height must be positive")
	}
	if r.Width > MaxRawDimension || r.Height > MaxRawDimension {
		return fmt.Errorf("width and height must not exceed %d", MaxRawDimension)
	}
	if r.Bands < 1 || r.Bands > MaxRawBands {
		return fmt.Errorf("bands must be in [1,%d]", MaxRawBands)
	}
	if r.Orientation < 0 || r.Orientation > 8 {
		return errors.New("orientation must be in [0,8]")
	}
	return nil
}

// WithDefaults fills zero size and quality from service configuration.
func (r CreateJobRequest) WithDefaults(targetSize, quality int) CreateJobRequest {
	if r.TargetSize == 0 {
		r.TargetSize = targetSize
	}
	if r.Quality == 0 {
		r.Quality = quality
	}
	r.SourceType = strings.ToLower(strings.TrimSpace(r.SourceType))
	return r
}
