package thumbnail

import (
	"fmt"
	"math"
)

const (
	maxRawBands = 4
	// MaxDimension is the largest raw width or height accepted, the
	// coordinate limit libvips enforces.
	MaxDimension = 10_000_000
)

// resolve opens the request source as an image handle carrying the
// orientation tag. Orientation is attached, not applied.
func resolve(dec Decoder, req *Request) (Image, error) {
	if !req.FromMemory() {
		return resolveFile(dec, req)
	}
	return resolveMemory(dec, req)
}

func resolveFile(dec Decoder, req *Request) (Image, error) {
	img, err := dec.Open(req.InputPath)
	if err != nil {
		return nil, stageError(ErrDecode, StageResolve, fmt.Errorf("open %s: %w", req.InputPath, err))
	}

	req.Width, req.Height = img.Width(), img.Height()
	req.Orientation = DefaultOrientation
	if o, ok := img.Orientation(); ok {
		req.Orientation = NormalizeOrientation(o)
	}
	return img, nil
}

func resolveMemory(dec Decoder, req *Request) (Image, error) {
	if err := checkRawGeometry(req); err != nil {
		return nil, stageError(ErrInvalidBuffer, StageResolve, err)
	}
	req.Orientation = NormalizeOrientation(req.Orientation)

	view, err := dec.OpenMemory(req.Input, req.Width, req.Height, req.Bands)
	if err != nil {
		return nil, stageError(ErrInvalidBuffer, StageResolve, fmt.Errorf("open memory view: %w", err))
	}
	defer view.Close()

	if err := view.SetOrientation(req.Orientation); err != nil {
		return nil, stageError(ErrInvalidBuffer, StageResolve, fmt.Errorf("set orientation: %w", err))
	}

	img, err := dec.Reinterpret(view, InterpretationSRGB)
	if err != nil {
		return nil, stageError(ErrInvalidBuffer, StageResolve, fmt.Errorf("reinterpret as srgb: %w", err))
	}
	return img, nil
}

func checkRawGeometry(req *Request) error {
	if req.Width <= 0 || req.Height <= 0 {
		return fmt.Errorf("raw dimensions must be positive, got %dx%d", req.Width, req.Height)
	}
	if req.Bands < 1 || req.Bands > maxRawBands {
		return fmt.Errorf("raw bands must be in [1,%d], got %d", maxRawBands, req.Bands)
	}
	if req.Width > MaxDimension || req.Height > MaxDimension {
		return fmt.Errorf("raw dimensions %dx%d exceed %d", req.Width, req.Height, MaxDimension)
	}
	want, ok := rawSize(req.Width, req.Height, req.Bands)
	if !ok {
		return fmt.Errorf("raw geometry %dx%dx%d overflows", req.Width, req.Height, req.Bands)
	}
	if req.InputSize() != want {
		return fmt.Errorf("raw buffer is %d bytes, want %dx%dx%d=%d", req.InputSize(), req.Width, req.Height, req.Bands, want)
	}
	return nil
}

// rawSize returns width*height*bands, or false when the product does not
// fit in an int. Arguments must be positive.
func rawSize(width, height, bands int) (int, bool) {
	if width > math.MaxInt/height || width*height > math.MaxInt/bands {
		return 0, false
	}
	return width * height * bands, true
}
