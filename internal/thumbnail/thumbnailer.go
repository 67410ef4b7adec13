// Package thumbnail turns an image file or a decoded pixel buffer into a
// downscaled JPEG or PNG thumbnail. Decoding, resampling and encoding are
// delegated to a Backend; this package decides how the input is read,
// whether the result carries transparency and where the bytes go.
package thumbnail

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"
)

// Observer receives the duration and outcome of every pipeline stage.
type Observer interface {
	ObserveStage(stage Stage, elapsed time.Duration, err error)
}

type Option func(*Thumbnailer)

func WithLogger(logger zerolog.Logger) Option {
	return func(t *Thumbnailer) {
		t.logger = logger.With().Str("component", "thumbnail").Logger()
	}
}

func WithObserver(o Observer) Option {
	return func(t *Thumbnailer) {
		t.observer = o
	}
}

// Thumbnailer runs requests through resolve, resize, classify and encode.
// It is safe for concurrent use; each call owns its request and handles.
type Thumbnailer struct {
	backend   Backend
	lifecycle *Lifecycle
	logger    zerolog.Logger
	observer  Observer
}

func New(backend Backend, lifecycle *Lifecycle, opts ...Option) *Thumbnailer {
	t := &Thumbnailer{
		backend:   backend,
		lifecycle: lifecycle,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Thumbnail processes req in place. On success req.State is StateEncoded
// and the thumbnail fields are set. On failure req.State is StateFailed,
// req.FailedAt holds the last state reached, no output field is populated
// and the runtime error state of the calling thread has been reset.
//
// ctx is only checked between stages.
func (t *Thumbnailer) Thumbnail(ctx context.Context, req *Request) (err error) {
	if req == nil {
		return stageError(ErrInvalidRequest, StageValidate, fmt.Errorf("request is nil"))
	}
	req.State = StateCreated

	if err := t.lifecycle.Init(); err != nil {
		req.FailedAt, req.State = StateCreated, StateFailed
		req.resetOutputs()
		return stageError(ErrRuntimeInit, StageRuntime, err)
	}

	// Runtime error state is per OS thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	started := time.Now()
	defer func() {
		if err == nil {
			t.logger.Debug().
				Int("thumb_width", req.ThumbWidth).
				Int("thumb_height", req.ThumbHeight).
				Bool("has_alpha", req.HasAlpha).
				Str("format", req.Format).
				Int("output_bytes", req.OutputSize()).
				Dur("elapsed", time.Since(started)).
				Msg("thumbnail created")
			return
		}
		req.FailedAt, req.State = req.State, StateFailed
		req.resetOutputs()
		t.lifecycle.Reset()
		t.logger.Warn().
			Err(err).
			Str("failed_at", req.FailedAt.String()).
			Bool("from_memory", req.FromMemory()).
			Msg("thumbnail failed")
	}()

	if err := req.Validate(); err != nil {
		return stageError(ErrInvalidRequest, StageValidate, err)
	}
	req.resetOutputs()

	var img Image
	if err := t.stage(StageResolve, func() (err error) {
		img, err = resolve(t.backend, req)
		return err
	}); err != nil {
		return err
	}
	req.State = StateResolved

	if err := ctx.Err(); err != nil {
		img.Close()
		return err
	}

	var thumb Image
	if err := t.stage(StageResize, func() (err error) {
		thumb, err = shrink(t.backend, img, req)
		return err
	}); err != nil {
		return err
	}
	req.State = StateResized

	if err := ctx.Err(); err != nil {
		thumb.Close()
		return err
	}

	var hasAlpha bool
	if err := t.stage(StageClassify, func() (err error) {
		hasAlpha, err = classifyAlpha(t.backend, thumb)
		return err
	}); err != nil {
		thumb.Close()
		return err
	}
	req.HasAlpha = hasAlpha
	req.State = StateClassified

	if err := ctx.Err(); err != nil {
		thumb.Close()
		return err
	}

	if err := t.stage(StageEncode, func() error {
		return encode(t.backend, thumb, req)
	}); err != nil {
		return err
	}
	req.State = StateEncoded
	return nil
}

// Reset clears runtime error state for the calling thread. Thumbnail calls
// it on failure already; callers that drive the runtime themselves use it.
func (t *Thumbnailer) Reset() {
	t.lifecycle.Reset()
}

func (t *Thumbnailer) stage(stage Stage, fn func() error) error {
	started := time.Now()
	err := fn()
	if t.observer != nil {
		t.observer.ObserveStage(stage, time.Since(started), err)
	}
	return err
}
