package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/thumbflow/internal/domain"
	_ "github.com/lib/pq"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS thumbnail_jobs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	source_type TEXT NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	object_key TEXT NOT NULL,
	raw JSONB,
	target_size INTEGER NOT NULL,
	quality INTEGER NOT NULL DEFAULT 0,
	result JSONB,
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_logs (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	pixels_processed BIGINT NOT NULL,
	bytes_in BIGINT NOT NULL,
	bytes_out BIGINT NOT NULL,
	compute_time_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

const selectJobSQL = `SELECT id, user_id, status, source_type, webhook_url, object_key, raw, target_size, quality, result, error, created_at, updated_at
	FROM thumbnail_jobs
	WHERE id = $1`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresJobStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	rawJSON, err := nullableJSON(job.Raw)
	if err != nil {
		return fmt.Errorf("marshal raw source: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO thumbnail_jobs (id, user_id, status, source_type, webhook_url, object_key, raw, target_size, quality, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID,
		job.UserID,
		job.Status,
		job.SourceType,
		job.WebhookURL,
		job.ObjectKey,
		rawJSON,
		job.TargetSize,
		job.Quality,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	var (
		job        domain.Job
		rawJSON    []byte
		resultJSON []byte
	)
	if err := s.db.QueryRowContext(ctx, selectJobSQL, id).Scan(
		&job.ID,
		&job.UserID,
		&job.Status,
		&job.SourceType,
		&job.WebhookURL,
		&job.ObjectKey,
		&rawJSON,
		&job.TargetSize,
		&job.Quality,
		&resultJSON,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}

	if len(rawJSON) > 0 {
		job.Raw = &domain.RawSource{}
		if err := json.Unmarshal(rawJSON, job.Raw); err != nil {
			return domain.Job{}, false, fmt.Errorf("unmarshal raw source: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		job.Result = &domain.ThumbnailResult{}
		if err := json.Unmarshal(resultJSON, job.Result); err != nil {
			return domain.Job{}, false, fmt.Errorf("unmarshal job result: %w", err)
		}
	}

	return job, true, nil
}

func (s *PostgresJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.Job, error) {
	return s.update(ctx, id,
		`UPDATE thumbnail_jobs SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), id,
	)
}

func (s *PostgresJobStore) Complete(ctx context.Context, id string, result domain.ThumbnailResult) (domain.Job, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return domain.Job{}, fmt.Errorf("marshal job result: %w", err)
	}
	return s.update(ctx, id,
		`UPDATE thumbnail_jobs SET status = $1, result = $2, error = '', updated_at = $3 WHERE id = $4`,
		domain.JobStatusSucceeded, resultJSON, time.Now().UTC(), id,
	)
}

func (s *PostgresJobStore) Fail(ctx context.Context, id, reason string) (domain.Job, error) {
	return s.update(ctx, id,
		`UPDATE thumbnail_jobs SET status = $1, result = NULL, error = $2, updated_at = $3 WHERE id = $4`,
		domain.JobStatusFailed, reason, time.Now().UTC(), id,
	)
}

func (s *PostgresJobStore) update(ctx context.Context, id, query string, args ...any) (domain.Job, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Job{}, ErrJobNotFound
	}

	job, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return job, nil
}

func (s *PostgresJobStore) CreateUsageLog(ctx context.Context, usage domain.UsageLog) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO usage_logs (user_id, job_id, pixels_processed, bytes_in, bytes_out, compute_time_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		usage.UserID,
		usage.JobID,
		usage.PixelsProcessed,
		usage.BytesIn,
		usage.BytesOut,
		usage.ComputeTimeMS,
		usage.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}

func nullableJSON(v *domain.RawSource) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
