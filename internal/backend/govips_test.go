//go:build govips && cgo

package backend

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/thumbflow/internal/thumbnail"
)

var vipsThumbnailer *thumbnail.Thumbnailer

// libvips cannot be restarted, so every test shares one lifecycle.
func TestMain(m *testing.M) {
	tn, lc := NewThumbnailer(DefaultRuntimeOptions())
	vipsThumbnailer = tn
	code := m.Run()
	lc.Shutdown()
	os.Exit(code)
}

func TestVipsBackend_OpenMemoryKeepsBands(t *testing.T) {
	var b VipsBackend
	for bands := 1; bands <= 4; bands++ {
		buf := gradient(9, 6, bands)
		if bands == 4 {
			for i := 3; i < len(buf); i += 4 {
				buf[i] = 0xff
			}
		}
		img, err := b.OpenMemory(buf, 9, 6, bands)
		if err != nil {
			t.Fatalf("bands=%d: open memory: %v", bands, err)
		}
		if img.Width() != 9 || img.Height() != 6 || img.Bands() != bands {
			t.Fatalf("bands=%d: got %dx%dx%d", bands, img.Width(), img.Height(), img.Bands())
		}
		if img.Format() != thumbnail.FormatUchar {
			t.Fatalf("bands=%d: expected uchar, got %s", bands, img.Format())
		}
		img.Close()
	}
}

func TestVipsBackend_ReinterpretRetagsWithoutConverting(t *testing.T) {
	var b VipsBackend
	for _, tt := range []struct {
		bands int
		want  vips.Interpretation
	}{
		{bands: 2, want: vips.InterpretationBW},
		{bands: 4, want: vips.InterpretationSRGB},
	} {
		src, err := b.OpenMemory(gradient(8, 8, tt.bands), 8, 8, tt.bands)
		if err != nil {
			t.Fatalf("open memory: %v", err)
		}
		out, err := b.Reinterpret(src, thumbnail.InterpretationSRGB)
		if err != nil {
			t.Fatalf("reinterpret: %v", err)
		}
		if out.Bands() != tt.bands {
			t.Fatalf("expected %d bands after retag, got %d", tt.bands, out.Bands())
		}
		if got := out.(*vipsImage).ref.Interpretation(); got != tt.want {
			t.Fatalf("bands=%d: expected interpretation %v, got %v", tt.bands, tt.want, got)
		}
		out.Close()
		src.Close()
	}
}

func TestVipsBackend_RawRGBToJPEG(t *testing.T) {
	req := thumbnail.NewRawRequest(gradient(800, 600, 3), 800, 600, 3, 1, 256, 80)
	if err := vipsThumbnailer.Thumbnail(context.Background(), req); err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	if req.Format != thumbnail.FormatJPEG || req.ThumbWidth != 256 || req.ThumbHeight != 192 {
		t.Fatalf("expected 256x192 jpeg, got %s %dx%d", req.Format, req.ThumbWidth, req.ThumbHeight)
	}
	if _, err := jpeg.DecodeConfig(bytes.NewReader(req.Output)); err != nil {
		t.Fatalf("decode jpeg output: %v", err)
	}
}

func TestVipsBackend_RawTranslucentRGBAToPNG(t *testing.T) {
	buf := gradient(64, 64, 4)
	for i := 3; i < len(buf); i += 4 {
		buf[i] = 0x40
	}
	req := thumbnail.NewRawRequest(buf, 64, 64, 4, 1, 32, 80)
	if err := vipsThumbnailer.Thumbnail(context.Background(), req); err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	if !req.HasAlpha || req.Format != thumbnail.FormatPNG {
		t.Fatalf("expected png with alpha, got has_alpha=%v format=%s", req.HasAlpha, req.Format)
	}
	if _, err := png.DecodeConfig(bytes.NewReader(req.Output)); err != nil {
		t.Fatalf("decode png output: %v", err)
	}
}

func TestVipsBackend_RawGeometryOverflowIsInvalidBuffer(t *testing.T) {
	req := thumbnail.NewRawRequest(make([]byte, 4), (1<<62)+1, 4, 1, 1, 16, 75)
	err := vipsThumbnailer.Thumbnail(context.Background(), req)
	if !errors.Is(err, thumbnail.ErrInvalidBuffer) {
		t.Fatalf("expected ErrInvalidBuffer, got %v", err)
	}
}

func TestVipsBackend_SaveJPEGFailureLeavesNoFile(t *testing.T) {
	var b VipsBackend
	img, err := b.OpenMemory(gradient(8, 8, 3), 8, 8, 3)
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	defer img.Close()

	path := filepath.Join(t.TempDir(), "missing", "thumb.jpg")
	if err := b.SaveJPEG(img, path, thumbnail.JPEGOptions{Quality: 80}); err == nil {
		t.Fatal("expected save into a missing directory to fail")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no file left behind, stat err=%v", err)
	}

	ok := filepath.Join(t.TempDir(), "thumb.jpg")
	if err := b.SaveJPEG(img, ok, thumbnail.JPEGOptions{Quality: 80}); err != nil {
		t.Fatalf("save jpeg: %v", err)
	}
	data, err := os.ReadFile(ok)
	if err != nil {
		t.Fatalf("read saved file: %v", err)
	}
	if _, err := jpeg.DecodeConfig(bytes.NewReader(data)); err != nil {
		t.Fatalf("saved file is not a jpeg: %v", err)
	}
}
