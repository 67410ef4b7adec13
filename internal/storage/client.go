package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/thumbflow/internal/thumbnail"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	ErrSourceMissing   = errors.New("source object is missing")
	ErrRawSizeMismatch = errors.New("raw source size does not match its geometry")
)

type Config struct {
	Endpoint string
	Access   string
	Secret   string
	Bucket   string
	UseSSL   bool
}

// Client keeps thumbnail sources and results in one bucket. Sources are
// uploaded by callers through presigned URLs; results are written by the
// worker.
type Client struct {
	minio  *minio.Client
	bucket string
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Client{minio: mc, bucket: cfg.Bucket}, nil
}

// SourceKey is the object a job's presigned upload lands on.
func SourceKey(jobID string) string {
	return path.Join("uploads", jobID, "source")
}

// ContentType is the MIME type stored with a thumbnail of format.
func ContentType(format string) string {
	if format == thumbnail.FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

// EnsureBucket creates the bucket unless it exists. A concurrent creator
// winning the race is not an error.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		if exists, checkErr := c.minio.BucketExists(ctx, c.bucket); checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}
	return nil
}

// PresignSourceUpload returns the source key of jobID and a PUT URL for it.
func (c *Client) PresignSourceUpload(ctx context.Context, jobID string, expiry time.Duration) (string, string, error) {
	key := SourceKey(jobID)
	u, err := c.minio.PresignedPutObject(ctx, c.bucket, key, expiry)
	if err != nil {
		return "", "", fmt.Errorf("presign upload for %s: %w", jobID, err)
	}
	return key, u.String(), nil
}

func (c *Client) SourceExists(ctx context.Context, key string) (bool, error) {
	_, err := c.statSource(ctx, key)
	if errors.Is(err, ErrSourceMissing) {
		return false, nil
	}
	return err == nil, err
}

// ReadRawSource loads a raw pixel buffer of exactly want bytes. The size is
// checked against the stored object before any pixel is transferred.
func (c *Client) ReadRawSource(ctx context.Context, key string, want int64) ([]byte, error) {
	info, err := c.statSource(ctx, key)
	if err != nil {
		return nil, err
	}
	if info.Size != want {
		return nil, fmt.Errorf("%w: %s holds %d bytes, want %d", ErrRawSizeMismatch, key, info.Size, want)
	}

	obj, err := c.minio.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()

	buf := make([]byte, want)
	if _, err := io.ReadFull(obj, buf); err != nil {
		return nil, fmt.Errorf("read %s: %w", key, sourceErr(err))
	}
	return buf, nil
}

// ReadSourceHead returns at most n leading bytes of an encoded source, enough
// to sniff its media type.
func (c *Client) ReadSourceHead(ctx context.Context, key string, n int64) ([]byte, error) {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(0, n-1); err != nil {
		return nil, fmt.Errorf("set range for %s: %w", key, err)
	}
	obj, err := c.minio.GetObject(ctx, c.bucket, key, opts)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()

	head, err := io.ReadAll(io.LimitReader(obj, n))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, sourceErr(err))
	}
	return head, nil
}

// DownloadSource copies an encoded source to a local file so the decoder
// can open it by path.
func (c *Client) DownloadSource(ctx context.Context, key, dst string) error {
	if err := c.minio.FGetObject(ctx, c.bucket, key, dst, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("download %s: %w", key, sourceErr(err))
	}
	return nil
}

// PutThumbnail uploads an encoded thumbnail held in memory. Its geometry
// travels as object metadata.
func (c *Client) PutThumbnail(ctx context.Context, key string, thumb *thumbnail.Request) error {
	if thumb.OutputSize() == 0 {
		return fmt.Errorf("put %s: thumbnail has no encoded bytes", key)
	}
	_, err := c.minio.PutObject(ctx, c.bucket, key,
		bytes.NewReader(thumb.Output), int64(thumb.OutputSize()),
		minio.PutObjectOptions{
			ContentType:  ContentType(thumb.Format),
			CacheControl: "public, max-age=31536000, immutable",
			UserMetadata: ThumbnailMetadata(thumb),
		},
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func ThumbnailMetadata(thumb *thumbnail.Request) map[string]string {
	return map[string]string{
		"Width":     strconv.Itoa(thumb.ThumbWidth),
		"Height":    strconv.Itoa(thumb.ThumbHeight),
		"Has-Alpha": strconv.FormatBool(thumb.HasAlpha),
	}
}

func (c *Client) statSource(ctx context.Context, key string) (minio.ObjectInfo, error) {
	info, err := c.minio.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return minio.ObjectInfo{}, fmt.Errorf("stat %s: %w", key, sourceErr(err))
	}
	return info, nil
}

// sourceErr maps a missing key to ErrSourceMissing and keeps the rest.
func sourceErr(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return fmt.Errorf("%w: %w", ErrSourceMissing, err)
	}
	return err
}
