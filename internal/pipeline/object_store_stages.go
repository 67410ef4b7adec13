package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/dunamismax/thumbflow/internal/storage"
	"github.com/dunamismax/thumbflow/internal/thumbnail"
	"github.com/rs/zerolog"
)

// ObjectStore is the subset of storage.Client the object-store stages use.
type ObjectStore interface {
	ReadRawSource(ctx context.Context, key string, want int64) ([]byte, error)
	ReadSourceHead(ctx context.Context, key string, n int64) ([]byte, error)
	DownloadSource(ctx context.Context, key, dst string) error
	PutThumbnail(ctx context.Context, key string, thumb *thumbnail.Request) error
}

var _ ObjectStore = (*storage.Client)(nil)

func NewObjectStoreProcessor(store ObjectStore, outputPrefix, tempDir string, thumbnailer Thumbnailer, logger zerolog.Logger) (*Processor, error) {
	if store == nil {
		return nil, errors.New("storage client is required")
	}
	return NewProcessor(
		ObjectStoreFetcher{Storage: store, TempDir: tempDir},
		thumbnailer,
		ObjectStoreEmitter{Storage: store, OutputPrefix: outputPrefix},
		logger,
	)
}

// ObjectStoreFetcher reads raw buffers into memory and downloads encoded
// images to a temporary file, so the decoder can use file mode.
type ObjectStoreFetcher struct {
	Storage ObjectStore
	TempDir string
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) (Source, error) {
	if f.Storage == nil {
		return Source{}, errors.New("storage client is required")
	}
	if strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return Source{}, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	if req.Raw != nil {
		data, err := f.Storage.ReadRawSource(ctx, req.ObjectKey, req.Raw.Size())
		if err != nil {
			return Source{}, err
		}
		return Source{Raw: data, Bytes: int64(len(data))}, nil
	}

	head, err := f.Storage.ReadSourceHead(ctx, req.ObjectKey, probeSize)
	if err != nil {
		return Source{}, err
	}
	mediaType, err := sniffImage(head, path.Base(req.ObjectKey))
	if err != nil {
		return Source{}, fmt.Errorf("object %s: %w", req.ObjectKey, err)
	}

	tmp, err := os.CreateTemp(f.TempDir, "thumbflow-src-*")
	if err != nil {
		return Source{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return Source{}, fmt.Errorf("close temp file: %w", err)
	}
	cleanup := func() { os.Remove(tmpPath) }

	if err := f.Storage.DownloadSource(ctx, req.ObjectKey, tmpPath); err != nil {
		cleanup()
		return Source{}, err
	}
	info, err := os.Stat(tmpPath)
	if err != nil {
		cleanup()
		return Source{}, fmt.Errorf("stat downloaded object: %w", err)
	}

	return Source{Path: tmpPath, Bytes: info.Size(), MediaType: mediaType, cleanup: cleanup}, nil
}

// ObjectStoreEmitter uploads the in-memory thumbnail to
// <OutputPrefix>/<job>/thumbnail.<format>.
type ObjectStoreEmitter struct {
	Storage      ObjectStore
	OutputPrefix string
}

func (e ObjectStoreEmitter) Target(context.Context, Request) (string, error) {
	return "", nil
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, thumb *thumbnail.Request) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}
	if thumb.OutputSize() == 0 {
		return Output{}, errors.New("object-store emitter expects buffer destination mode")
	}

	objectKey := OutputKey(e.OutputPrefix, req.JobID, thumb.Format)
	if err := e.Storage.PutThumbnail(ctx, objectKey, thumb); err != nil {
		return Output{}, err
	}

	return Output{Path: objectKey, Bytes: thumb.OutputSize()}, nil
}

// OutputKey is the object key a job's thumbnail is uploaded to.
func OutputKey(prefix, jobID, format string) string {
	return path.Join(defaultOutputPrefix(prefix), sanitizePathToken(jobID), "thumbnail."+format)
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "thumbnails"
	}
	return prefix
}
