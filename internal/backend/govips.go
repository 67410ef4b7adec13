//go:build govips && cgo

package backend

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/thumbflow/internal/thumbnail"
)

// VipsBackend implements thumbnail.Backend on libvips. Every operation
// works on a copy so the caller keeps ownership of its input handle.
type VipsBackend struct{}

type vipsImage struct {
	ref *vips.ImageRef
}

func (i *vipsImage) Width() int     { return i.ref.Width() }
func (i *vipsImage) Height() int    { return i.ref.Height() }
func (i *vipsImage) Bands() int     { return i.ref.Bands() }
func (i *vipsImage) HasAlpha() bool { return i.ref.HasAlpha() }

func (i *vipsImage) Format() thumbnail.BandFormat {
	switch i.ref.BandFormat() {
	case vips.BandFormatUchar:
		return thumbnail.FormatUchar
	case vips.BandFormatUshort:
		return thumbnail.FormatUshort
	case vips.BandFormatFloat:
		return thumbnail.FormatFloat
	default:
		return thumbnail.FormatUnknown
	}
}

func (i *vipsImage) Orientation() (int, bool) {
	o := i.ref.Orientation()
	return o, o > 0
}

func (i *vipsImage) SetOrientation(orientation int) error {
	return i.ref.SetOrientation(orientation)
}

func (i *vipsImage) Close() {
	if i.ref == nil {
		return
	}
	i.ref.Close()
	i.ref = nil
}

func vipsHandle(img thumbnail.Image) (*vipsImage, error) {
	vi, ok := img.(*vipsImage)
	if !ok {
		return nil, fmt.Errorf("image handle %T does not belong to the libvips backend", img)
	}
	if vi.ref == nil {
		return nil, errClosedHandle
	}
	return vi, nil
}

// derive copies img, applies op to the copy and returns it as a new handle.
func derive(img thumbnail.Image, op func(ref *vips.ImageRef) error) (thumbnail.Image, error) {
	vi, err := vipsHandle(img)
	if err != nil {
		return nil, err
	}
	ref, err := vi.ref.Copy()
	if err != nil {
		return nil, fmt.Errorf("copy image: %w", err)
	}
	if err := op(ref); err != nil {
		ref.Close()
		return nil, err
	}
	return &vipsImage{ref: ref}, nil
}

func (VipsBackend) Open(path string) (thumbnail.Image, error) {
	ref, err := vips.NewImageFromFile(path)
	if err != nil {
		if strings.Contains(err.Error(), "not a known file format") {
			return nil, fmt.Errorf("%s: %w", path, thumbnail.ErrFileFormatNotSupported)
		}
		return nil, err
	}
	return &vipsImage{ref: ref}, nil
}

// OpenMemory hands the raw bands to libvips as a PNG stream; govips has no
// binding for vips_image_new_from_memory.
func (VipsBackend) OpenMemory(buf []byte, width, height, bands int) (thumbnail.Image, error) {
	if width <= 0 || height <= 0 || width > thumbnail.MaxDimension || height > thumbnail.MaxDimension {
		return nil, fmt.Errorf("invalid dimensions %dx%d", width, height)
	}
	data, err := encodeRawPNG(buf, width, height, bands)
	if err != nil {
		return nil, err
	}
	ref, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, fmt.Errorf("load raw buffer: %w", err)
	}
	if ref.Bands() != bands {
		got := ref.Bands()
		ref.Close()
		return nil, fmt.Errorf("raw buffer loaded with %d bands, want %d", got, bands)
	}
	return &vipsImage{ref: ref}, nil
}

// Reinterpret retags the pixels without converting them. One and two band
// images keep the single channel member of the sRGB family.
func (VipsBackend) Reinterpret(img thumbnail.Image, interp thumbnail.Interpretation) (thumbnail.Image, error) {
	if interp != thumbnail.InterpretationSRGB {
		return nil, fmt.Errorf("unsupported interpretation %d", interp)
	}
	vi, err := vipsHandle(img)
	if err != nil {
		return nil, err
	}
	ref, err := vi.ref.CopyChangingInterpretation(retagFor(vi.ref.Bands()))
	if err != nil {
		return nil, fmt.Errorf("retag interpretation: %w", err)
	}
	return &vipsImage{ref: ref}, nil
}

func retagFor(bands int) vips.Interpretation {
	if bands < 3 {
		return vips.InterpretationBW
	}
	return vips.InterpretationSRGB
}

func (VipsBackend) Thumbnail(img thumbnail.Image, size int) (thumbnail.Image, error) {
	if size <= 0 {
		return nil, fmt.Errorf("target size must be positive, got %d", size)
	}
	return derive(img, func(ref *vips.ImageRef) error {
		if err := ref.AutoRotate(); err != nil {
			return fmt.Errorf("auto rotate: %w", err)
		}
		return ref.ThumbnailWithSize(size, size, vips.InterestingNone, vips.SizeDown)
	})
}

func (VipsBackend) ExtractBand(img thumbnail.Image, band int) (thumbnail.Image, error) {
	return derive(img, func(ref *vips.ImageRef) error {
		return ref.ExtractBand(band, 1)
	})
}

func (VipsBackend) CastUchar(img thumbnail.Image) (thumbnail.Image, error) {
	return derive(img, func(ref *vips.ImageRef) error {
		return ref.Cast(vips.BandFormatUchar)
	})
}

// Min scans the raw pixels of a single band uchar image.
func (VipsBackend) Min(img thumbnail.Image) (float64, error) {
	vi, err := vipsHandle(img)
	if err != nil {
		return 0, err
	}
	if vi.ref.Bands() != 1 || vi.ref.BandFormat() != vips.BandFormatUchar {
		return 0, errors.New("min expects a single band uchar image")
	}
	pix, err := vi.ref.ToBytes()
	if err != nil {
		return 0, err
	}
	if len(pix) == 0 {
		return 0, errors.New("min of an empty image")
	}
	lo := byte(0xff)
	for _, v := range pix {
		if v < lo {
			lo = v
		}
	}
	return float64(lo), nil
}

func (VipsBackend) EncodeJPEG(img thumbnail.Image, opts thumbnail.JPEGOptions) ([]byte, error) {
	vi, err := vipsHandle(img)
	if err != nil {
		return nil, err
	}
	data, _, err := vi.ref.ExportJpeg(&vips.JpegExportParams{
		Quality:        opts.Quality,
		StripMetadata:  opts.Strip,
		OptimizeCoding: opts.OptimizeCoding,
	})
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return data, nil
}

func (VipsBackend) EncodePNG(img thumbnail.Image, opts thumbnail.PNGOptions) ([]byte, error) {
	vi, err := vipsHandle(img)
	if err != nil {
		return nil, err
	}
	params := vips.NewPngExportParams()
	params.Quality = opts.Quality
	params.StripMetadata = opts.Strip
	params.Palette = opts.Palette
	data, _, err := vi.ref.ExportPng(params)
	if err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return data, nil
}

func (b VipsBackend) SaveJPEG(img thumbnail.Image, path string, opts thumbnail.JPEGOptions) error {
	data, err := b.EncodeJPEG(img, opts)
	if err != nil {
		return err
	}
	return writeEncoded(path, data)
}

func (b VipsBackend) SavePNG(img thumbnail.Image, path string, opts thumbnail.PNGOptions) error {
	data, err := b.EncodePNG(img, opts)
	if err != nil {
		return err
	}
	return writeEncoded(path, data)
}

func writeEncoded(path string, data []byte) error {
	return saveFile(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}
