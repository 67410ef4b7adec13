package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/thumbflow/internal/domain"
	"github.com/dunamismax/thumbflow/internal/thumbnail"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const SourceTypeLocalFile = domain.SourceTypeLocalFile

var (
	ErrUnsupportedSourceType = errors.New("unsupported source_type")
	ErrNotAnImage            = errors.New("source is not an image")
)

type Request struct {
	JobID      string
	SourceType string
	ObjectKey  string
	Raw        *domain.RawSource
	TargetSize int
	Quality    int
}

// Source is a fetched input: a local file path, or a raw pixel buffer when
// the request carries raw geometry.
type Source struct {
	Path      string
	Raw       []byte
	Bytes     int64
	MediaType string

	cleanup func()
}

// Close removes anything the fetcher created for this source.
func (s Source) Close() {
	if s.cleanup != nil {
		s.cleanup()
	}
}

type Output struct {
	Path         string
	Format       string
	Bytes        int
	Width        int
	Height       int
	HasAlpha     bool
	SourceWidth  int
	SourceHeight int
}

// Result converts an output into the record stored on the job.
func (o Output) Result() domain.ThumbnailResult {
	return domain.ThumbnailResult{
		Path:         o.Path,
		Format:       o.Format,
		Width:        o.Width,
		Height:       o.Height,
		Bytes:        o.Bytes,
		HasAlpha:     o.HasAlpha,
		SourceWidth:  o.SourceWidth,
		SourceHeight: o.SourceHeight,
	}
}

type Result struct {
	Output      Output
	SourceBytes int64
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Source, error)
}

type Emitter interface {
	// Target returns the path the thumbnail is written to, or "" to receive
	// the encoded bytes in memory.
	Target(ctx context.Context, req Request) (string, error)
	Emit(ctx context.Context, req Request, thumb *thumbnail.Request) (Output, error)
}

type Thumbnailer interface {
	Thumbnail(ctx context.Context, req *thumbnail.Request) error
}

type Processor struct {
	fetcher     Fetcher
	thumbnailer Thumbnailer
	emitter     Emitter
	logger      zerolog.Logger
	tracer      trace.Tracer
}

func NewProcessor(fetcher Fetcher, thumbnailer Thumbnailer, emitter Emitter, logger zerolog.Logger) (*Processor, error) {
	if fetcher == nil || thumbnailer == nil || emitter == nil {
		return nil, errors.New("fetcher, thumbnailer and emitter are required")
	}
	return &Processor{
		fetcher:     fetcher,
		thumbnailer: thumbnailer,
		emitter:     emitter,
		logger:      logger.With().Str("component", "pipeline").Logger(),
		tracer:      otel.Tracer("thumbflow/pipeline"),
	}, nil
}

func NewLocalProcessor(outputDir string, thumbnailer Thumbnailer, logger zerolog.Logger) (*Processor, error) {
	return NewProcessor(LocalFileFetcher{}, thumbnailer, LocalFileEmitter{OutputDir: outputDir}, logger)
}

func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, errors.New("job_id is required")
	}

	src, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage: %w", err)
	}
	defer src.Close()

	var thumb *thumbnail.Request
	if src.Path != "" {
		thumb = thumbnail.NewFileRequest(src.Path, req.TargetSize, req.Quality)
	} else {
		if req.Raw == nil {
			return Result{}, errors.New("fetch stage: raw source without geometry")
		}
		thumb = thumbnail.NewRawRequest(src.Raw, req.Raw.Width, req.Raw.Height, req.Raw.Bands, req.Raw.Orientation, req.TargetSize, req.Quality)
	}

	target, err := p.emitter.Target(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("emit stage: %w", err)
	}
	if target != "" {
		thumb.ToPath(target)
	}

	if err := p.thumbnail(ctx, req, thumb); err != nil {
		return Result{}, fmt.Errorf("thumbnail stage: %w", err)
	}

	out, err := p.emitter.Emit(ctx, req, thumb)
	if err != nil {
		return Result{}, fmt.Errorf("emit stage: %w", err)
	}
	out.Width, out.Height = thumb.ThumbWidth, thumb.ThumbHeight
	out.Format, out.HasAlpha = thumb.Format, thumb.HasAlpha
	out.SourceWidth, out.SourceHeight = thumb.DisplayDimensions()

	p.logger.Debug().
		Str("job_id", req.JobID).
		Str("media_type", src.MediaType).
		Str("path", out.Path).
		Int("bytes", out.Bytes).
		Msg("thumbnail emitted")

	return Result{Output: out, SourceBytes: src.Bytes}, nil
}

func (p *Processor) thumbnail(ctx context.Context, req Request, thumb *thumbnail.Request) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.thumbnail")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", req.JobID),
		attribute.Bool("thumbnail.from_memory", thumb.FromMemory()),
		attribute.Int("thumbnail.target_size", thumb.TargetSize),
	)

	if err := p.thumbnailer.Thumbnail(ctx, thumb); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, thumb.FailedAt.String())
		return err
	}

	span.SetAttributes(
		attribute.Int("thumbnail.width", thumb.ThumbWidth),
		attribute.Int("thumbnail.height", thumb.ThumbHeight),
		attribute.String("thumbnail.format", thumb.Format),
	)
	return nil
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request) (Source, error) {
	if !strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return Source{}, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	select {
	case <-ctx.Done():
		return Source{}, ctx.Err()
	default:
	}

	if req.Raw != nil {
		data, err := os.ReadFile(req.ObjectKey)
		if err != nil {
			return Source{}, fmt.Errorf("read raw input %s: %w", req.ObjectKey, err)
		}
		return Source{Raw: data, Bytes: int64(len(data))}, nil
	}

	f, err := os.Open(req.ObjectKey)
	if err != nil {
		return Source{}, fmt.Errorf("open input file %s: %w", req.ObjectKey, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Source{}, fmt.Errorf("stat input file %s: %w", req.ObjectKey, err)
	}
	head, err := io.ReadAll(io.LimitReader(f, probeSize))
	if err != nil {
		return Source{}, fmt.Errorf("read input file %s: %w", req.ObjectKey, err)
	}
	mediaType, err := sniffImage(head, filepath.Base(req.ObjectKey))
	if err != nil {
		return Source{}, fmt.Errorf("input file %s: %w", req.ObjectKey, err)
	}

	return Source{Path: req.ObjectKey, Bytes: info.Size(), MediaType: mediaType}, nil
}

// LocalFileEmitter writes thumbnails to <OutputDir>/<job>/thumbnail.<format>.
type LocalFileEmitter struct {
	OutputDir string
}

const partialName = "thumbnail.partial"

func (e LocalFileEmitter) Target(_ context.Context, req Request) (string, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return "", errors.New("output directory is required")
	}

	jobDir := filepath.Join(e.OutputDir, sanitizePathToken(req.JobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return filepath.Join(jobDir, partialName), nil
}

func (e LocalFileEmitter) Emit(_ context.Context, _ Request, thumb *thumbnail.Request) (Output, error) {
	if thumb.OutputPath == "" {
		return Output{}, errors.New("local emitter expects file destination mode")
	}

	fullPath := filepath.Join(filepath.Dir(thumb.OutputPath), "thumbnail."+thumb.Format)
	if err := os.Rename(thumb.OutputPath, fullPath); err != nil {
		return Output{}, fmt.Errorf("finalize output file: %w", err)
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		return Output{}, fmt.Errorf("stat output file: %w", err)
	}

	return Output{Path: fullPath, Bytes: int(info.Size())}, nil
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
