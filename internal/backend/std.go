package backend

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/thumbflow/internal/thumbnail"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var errClosedHandle = errors.New("image handle is closed")

// StdBackend implements thumbnail.Backend in pure Go. Decoding uses the
// image package registry, resampling and encoding use imaging and the
// orientation tag is read with goexif.
type StdBackend struct{}

// StdRuntime has no process state to manage.
type StdRuntime struct{}

func (StdRuntime) Startup() error { return nil }
func (StdRuntime) ClearError()    {}
func (StdRuntime) ReleaseThread() {}
func (StdRuntime) Shutdown()      {}

type stdImage struct {
	img            image.Image
	bands          int
	format         thumbnail.BandFormat
	alpha          bool
	interp         thumbnail.Interpretation
	orientation    int
	hasOrientation bool
}

func (i *stdImage) Width() int                   { return i.img.Bounds().Dx() }
func (i *stdImage) Height() int                  { return i.img.Bounds().Dy() }
func (i *stdImage) Bands() int                   { return i.bands }
func (i *stdImage) Format() thumbnail.BandFormat { return i.format }
func (i *stdImage) HasAlpha() bool               { return i.alpha }

func (i *stdImage) Orientation() (int, bool) {
	return i.orientation, i.hasOrientation
}

func (i *stdImage) SetOrientation(orientation int) error {
	if orientation < 1 || orientation > 8 {
		return fmt.Errorf("orientation %d out of range", orientation)
	}
	i.orientation, i.hasOrientation = orientation, true
	return nil
}

func (i *stdImage) Close() {
	i.img = nil
}

func stdHandle(img thumbnail.Image) (*stdImage, error) {
	si, ok := img.(*stdImage)
	if !ok {
		return nil, fmt.Errorf("image handle %T does not belong to the imaging backend", img)
	}
	if si.img == nil {
		return nil, errClosedHandle
	}
	return si, nil
}

func (StdBackend) Open(path string) (thumbnail.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, fmt.Errorf("%s: %w", path, thumbnail.ErrFileFormatNotSupported)
		}
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	out := describe(src)
	if o, ok := exifOrientation(data); ok {
		out.orientation, out.hasOrientation = o, true
	}
	return out, nil
}

// describe maps a decoded image to the band layout libvips would report
// for the same file.
func describe(src image.Image) *stdImage {
	out := &stdImage{img: src, bands: 3, format: thumbnail.FormatUchar}
	switch m := src.(type) {
	case *image.Gray:
		out.bands = 1
	case *image.Gray16:
		out.bands, out.format = 1, thumbnail.FormatUshort
	case *image.NRGBA, *image.NYCbCrA:
		out.bands, out.alpha = 4, true
	case *image.NRGBA64:
		out.bands, out.alpha, out.format = 4, true, thumbnail.FormatUshort
	case *image.RGBA64:
		out.format = thumbnail.FormatUshort
	case *image.CMYK:
		out.bands = 4
	case *image.Paletted:
		if paletteHasAlpha(m.Palette) {
			out.bands, out.alpha = 4, true
		}
	}
	return out
}

func paletteHasAlpha(p color.Palette) bool {
	for _, c := range p {
		if _, _, _, a := c.RGBA(); a != 0xffff {
			return true
		}
	}
	return false
}

func exifOrientation(data []byte) (int, bool) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, false
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 0, false
	}
	o, err := tag.Int(0)
	if err != nil || o < 1 || o > 8 {
		return 0, false
	}
	return o, true
}

func (StdBackend) OpenMemory(buf []byte, width, height, bands int) (thumbnail.Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d", width, height)
	}
	if width > thumbnail.MaxDimension || height > thumbnail.MaxDimension {
		return nil, fmt.Errorf("dimensions %dx%d exceed %d", width, height, thumbnail.MaxDimension)
	}
	if bands < 1 || bands > 4 {
		return nil, fmt.Errorf("unsupported band count %d", bands)
	}
	if want := width * height * bands; len(buf) != want {
		return nil, fmt.Errorf("buffer holds %d bytes, %dx%dx%d needs %d", len(buf), width, height, bands, want)
	}

	rect := image.Rect(0, 0, width, height)
	switch bands {
	case 1:
		return &stdImage{
			img:    &image.Gray{Pix: buf, Stride: width, Rect: rect},
			bands:  1,
			format: thumbnail.FormatUchar,
		}, nil
	case 2:
		dst := image.NewNRGBA(rect)
		for i, j := 0, 0; i < len(buf); i, j = i+2, j+4 {
			g := buf[i]
			dst.Pix[j], dst.Pix[j+1], dst.Pix[j+2], dst.Pix[j+3] = g, g, g, buf[i+1]
		}
		return &stdImage{img: dst, bands: 2, format: thumbnail.FormatUchar, alpha: true}, nil
	case 3:
		dst := image.NewRGBA(rect)
		for i, j := 0, 0; i < len(buf); i, j = i+3, j+4 {
			dst.Pix[j], dst.Pix[j+1], dst.Pix[j+2], dst.Pix[j+3] = buf[i], buf[i+1], buf[i+2], 0xff
		}
		return &stdImage{img: dst, bands: 3, format: thumbnail.FormatUchar}, nil
	case 4:
		return &stdImage{
			img:    &image.NRGBA{Pix: buf, Stride: 4 * width, Rect: rect},
			bands:  4,
			format: thumbnail.FormatUchar,
			alpha:  true,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported band count %d", bands)
	}
}

// Reinterpret only retags the handle; pixels are shared and never mutated.
func (StdBackend) Reinterpret(img thumbnail.Image, interp thumbnail.Interpretation) (thumbnail.Image, error) {
	si, err := stdHandle(img)
	if err != nil {
		return nil, err
	}
	out := *si
	out.interp = interp
	return &out, nil
}

func (StdBackend) Thumbnail(img thumbnail.Image, size int) (thumbnail.Image, error) {
	si, err := stdHandle(img)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("target size must be positive, got %d", size)
	}

	src := si.img
	if si.hasOrientation {
		src = orient(src, si.orientation)
	}
	thumb := imaging.Fit(src, size, size, imaging.Lanczos)
	if thumb.Bounds().Empty() {
		return nil, errors.New("resample produced an empty image")
	}

	out := &stdImage{
		img:    thumb,
		bands:  si.bands,
		format: thumbnail.FormatUchar,
		alpha:  si.alpha,
		interp: thumbnail.InterpretationSRGB,
	}
	// CMYK sources come out as RGB.
	if si.bands == 4 && !si.alpha {
		out.bands = 3
	}
	return out, nil
}

// orient applies an EXIF orientation tag so the result is upright.
func orient(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// channelOf maps a band index to the NRGBA channel holding it.
func channelOf(bands, band int) int {
	switch {
	case bands == 1:
		return 0
	case bands == 2 && band == 1:
		return 3
	default:
		return band
	}
}

func (StdBackend) ExtractBand(img thumbnail.Image, band int) (thumbnail.Image, error) {
	si, err := stdHandle(img)
	if err != nil {
		return nil, err
	}
	if band < 0 || band >= si.bands {
		return nil, fmt.Errorf("band %d out of range for %d bands", band, si.bands)
	}

	ch := channelOf(si.bands, band)
	b := si.img.Bounds()
	rect := image.Rect(0, 0, b.Dx(), b.Dy())

	if si.format == thumbnail.FormatUshort {
		dst := image.NewGray16(rect)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				c := color.NRGBA64Model.Convert(si.img.At(x, y)).(color.NRGBA64)
				v := [4]uint16{c.R, c.G, c.B, c.A}[ch]
				dst.SetGray16(x-b.Min.X, y-b.Min.Y, color.Gray16{Y: v})
			}
		}
		return &stdImage{img: dst, bands: 1, format: thumbnail.FormatUshort}, nil
	}

	dst := image.NewGray(rect)
	if src, ok := si.img.(*image.NRGBA); ok {
		for y := 0; y < rect.Dy(); y++ {
			row := src.Pix[(y+b.Min.Y-src.Rect.Min.Y)*src.Stride+(b.Min.X-src.Rect.Min.X)*4:]
			out := dst.Pix[y*dst.Stride:]
			for x := 0; x < rect.Dx(); x++ {
				out[x] = row[x*4+ch]
			}
		}
	} else {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				c := color.NRGBAModel.Convert(si.img.At(x, y)).(color.NRGBA)
				dst.SetGray(x-b.Min.X, y-b.Min.Y, color.Gray{Y: [4]uint8{c.R, c.G, c.B, c.A}[ch]})
			}
		}
	}
	return &stdImage{img: dst, bands: 1, format: thumbnail.FormatUchar}, nil
}

func (StdBackend) CastUchar(img thumbnail.Image) (thumbnail.Image, error) {
	si, err := stdHandle(img)
	if err != nil {
		return nil, err
	}

	switch src := si.img.(type) {
	case *image.Gray:
		return &stdImage{img: imaging.Clone(src), bands: 1, format: thumbnail.FormatUchar}, nil
	case *image.Gray16:
		b := src.Bounds()
		dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				dst.SetGray(x-b.Min.X, y-b.Min.Y, color.Gray{Y: uint8(src.Gray16At(x, y).Y >> 8)})
			}
		}
		return &stdImage{img: dst, bands: 1, format: thumbnail.FormatUchar}, nil
	default:
		return nil, fmt.Errorf("cast expects a single band image, got %T", si.img)
	}
}

func (StdBackend) Min(img thumbnail.Image) (float64, error) {
	si, err := stdHandle(img)
	if err != nil {
		return 0, err
	}
	b := si.img.Bounds()
	if b.Empty() {
		return 0, errors.New("min of an empty image")
	}

	switch src := si.img.(type) {
	case *image.Gray:
		lo := uint8(0xff)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				if v := src.GrayAt(x, y).Y; v < lo {
					lo = v
				}
			}
		}
		return float64(lo), nil
	case *image.Gray16:
		lo := uint16(0xffff)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				if v := src.Gray16At(x, y).Y; v < lo {
					lo = v
				}
			}
		}
		return float64(lo), nil
	default:
		return 0, fmt.Errorf("min expects a single band image, got %T", si.img)
	}
}

// EncodeJPEG ignores OptimizeCoding: image/jpeg always writes the standard
// Huffman tables. Metadata is never written, so Strip holds implicitly.
func (StdBackend) EncodeJPEG(img thumbnail.Image, opts thumbnail.JPEGOptions) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJPEG(&buf, img, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodePNG writes an exact palette when the image has at most 256
// colours and opts.Palette is set; Quality has no lossless equivalent.
func (StdBackend) EncodePNG(img thumbnail.Image, opts thumbnail.PNGOptions) ([]byte, error) {
	var buf bytes.Buffer
	if err := writePNG(&buf, img, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (StdBackend) SaveJPEG(img thumbnail.Image, path string, opts thumbnail.JPEGOptions) error {
	return saveFile(path, func(w io.Writer) error {
		return writeJPEG(w, img, opts)
	})
}

func (StdBackend) SavePNG(img thumbnail.Image, path string, opts thumbnail.PNGOptions) error {
	return saveFile(path, func(w io.Writer) error {
		return writePNG(w, img, opts)
	})
}

func writeJPEG(w io.Writer, img thumbnail.Image, opts thumbnail.JPEGOptions) error {
	si, err := stdHandle(img)
	if err != nil {
		return err
	}
	var src image.Image = si.img
	if si.bands <= 2 {
		src = toGray(si.img)
	}
	if err := imaging.Encode(w, src, imaging.JPEG, imaging.JPEGQuality(opts.Quality)); err != nil {
		return fmt.Errorf("encode jpeg: %w", err)
	}
	return nil
}

func writePNG(w io.Writer, img thumbnail.Image, opts thumbnail.PNGOptions) error {
	si, err := stdHandle(img)
	if err != nil {
		return err
	}
	var src image.Image = si.img
	if opts.Palette {
		if p, ok := palettize(si.img); ok {
			src = p
		}
	}
	if err := imaging.Encode(w, src, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression)); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}

func toGray(src image.Image) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(x-b.Min.X, y-b.Min.Y, src.At(x, y))
		}
	}
	return dst
}

// palettize returns an exact paletted copy of src, or false when src has
// more than 256 distinct colours. Palette order is first-seen order.
func palettize(src image.Image) (*image.Paletted, bool) {
	n, ok := src.(*image.NRGBA)
	if !ok {
		return nil, false
	}
	b := n.Bounds()
	index := make(map[color.NRGBA]uint8, 256)
	palette := make(color.Palette, 0, 256)
	dst := image.NewPaletted(image.Rect(0, 0, b.Dx(), b.Dy()), nil)

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := n.NRGBAAt(x, y)
			i, seen := index[c]
			if !seen {
				if len(palette) == 256 {
					return nil, false
				}
				i = uint8(len(palette))
				index[c] = i
				palette = append(palette, c)
			}
			dst.SetColorIndex(x-b.Min.X, y-b.Min.Y, i)
		}
	}
	dst.Palette = palette
	return dst, true
}

func saveFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	bw := bufio.NewWriter(f)
	if err := write(bw); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
