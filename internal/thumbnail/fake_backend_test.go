package thumbnail

import (
	"errors"
	"fmt"
	"sync"
)

var errInjected = errors.New("injected failure")

type fakeImage struct {
	backend *fakeBackend

	width, height, bands int
	format               BandFormat
	alpha                bool
	interp               Interpretation
	orientation          int
	hasOrientation       bool

	// samples of the last band, used by band ops.
	samples []int
	closed  bool
}

func (i *fakeImage) Width() int         { return i.width }
func (i *fakeImage) Height() int        { return i.height }
func (i *fakeImage) Bands() int         { return i.bands }
func (i *fakeImage) Format() BandFormat { return i.format }
func (i *fakeImage) HasAlpha() bool     { return i.alpha }

func (i *fakeImage) Orientation() (int, bool) {
	return i.orientation, i.hasOrientation
}

func (i *fakeImage) SetOrientation(o int) error {
	if i.backend.fail["set_orientation"] {
		return errInjected
	}
	i.orientation, i.hasOrientation = o, true
	return nil
}

func (i *fakeImage) Close() {
	i.backend.mu.Lock()
	defer i.backend.mu.Unlock()
	if i.closed {
		i.backend.doubleClose++
		return
	}
	i.closed = true
	i.backend.open--
}

// fakeBackend records handle ownership and the calls made by the pipeline.
type fakeBackend struct {
	mu          sync.Mutex
	open        int
	created     int
	doubleClose int

	// file mode source
	file *fakeImage
	// alpha samples of the source, copied through resize
	samples []int
	alpha   bool
	format  BandFormat

	fail map[string]bool

	openMemoryCalls int
	jpegOpts        []JPEGOptions
	pngOpts         []PNGOptions
	saved           map[string]string
	resizedFrom     []*fakeImage
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		fail:   map[string]bool{},
		saved:  map[string]string{},
		format: FormatUchar,
	}
}

func (b *fakeBackend) newImage(w, h, bands int) *fakeImage {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open++
	b.created++
	return &fakeImage{backend: b, width: w, height: h, bands: bands, format: FormatUchar}
}

func (b *fakeBackend) check(img Image) *fakeImage {
	fi, ok := img.(*fakeImage)
	if !ok {
		panic(fmt.Sprintf("foreign image %T", img))
	}
	if fi.closed {
		panic("use of closed image")
	}
	return fi
}

func (b *fakeBackend) Open(path string) (Image, error) {
	if b.fail["open"] || b.file == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrFileFormatNotSupported)
	}
	img := b.newImage(b.file.width, b.file.height, b.file.bands)
	img.alpha = b.file.alpha
	img.orientation, img.hasOrientation = b.file.orientation, b.file.hasOrientation
	return img, nil
}

func (b *fakeBackend) OpenMemory(buf []byte, w, h, bands int) (Image, error) {
	b.openMemoryCalls++
	if b.fail["open_memory"] {
		return nil, errInjected
	}
	img := b.newImage(w, h, bands)
	img.alpha = bands == 2 || bands == 4
	return img, nil
}

func (b *fakeBackend) Reinterpret(img Image, interp Interpretation) (Image, error) {
	src := b.check(img)
	if b.fail["reinterpret"] {
		return nil, errInjected
	}
	out := b.newImage(src.width, src.height, src.bands)
	out.alpha = src.alpha
	out.interp = interp
	out.orientation, out.hasOrientation = src.orientation, src.hasOrientation
	return out, nil
}

// Thumbnail mimics a longest-edge, downscale-only fit with orientation
// applied to the output geometry.
func (b *fakeBackend) Thumbnail(img Image, size int) (Image, error) {
	src := b.check(img)
	if b.fail["resize"] {
		return nil, errInjected
	}
	w, h := src.width, src.height
	if src.orientation > 4 {
		w, h = h, w
	}
	if w > size || h > size {
		if w >= h {
			h = max(1, h*size/w)
			w = size
		} else {
			w = max(1, w*size/h)
			h = size
		}
	}
	out := b.newImage(w, h, src.bands)
	out.alpha = src.alpha || b.alpha
	if b.alpha && src.bands < 4 {
		out.bands = 4
	}
	b.resizedFrom = append(b.resizedFrom, src)
	return out, nil
}

func (b *fakeBackend) ExtractBand(img Image, band int) (Image, error) {
	src := b.check(img)
	if b.fail["extract"] {
		return nil, errInjected
	}
	if band != src.bands-1 {
		return nil, fmt.Errorf("unexpected band %d of %d", band, src.bands)
	}
	out := b.newImage(src.width, src.height, 1)
	out.format = b.format
	out.samples = b.samples
	return out, nil
}

func (b *fakeBackend) CastUchar(img Image) (Image, error) {
	src := b.check(img)
	if b.fail["cast"] {
		return nil, errInjected
	}
	out := b.newImage(src.width, src.height, 1)
	out.samples = make([]int, len(src.samples))
	for i, v := range src.samples {
		out.samples[i] = v >> 8
	}
	return out, nil
}

func (b *fakeBackend) Min(img Image) (float64, error) {
	src := b.check(img)
	if b.fail["min"] {
		return 0, errInjected
	}
	if src.format != FormatUchar {
		return 0, fmt.Errorf("min over %s band", src.format)
	}
	min := 255
	for _, v := range src.samples {
		if v < min {
			min = v
		}
	}
	return float64(min), nil
}

func (b *fakeBackend) EncodeJPEG(img Image, opts JPEGOptions) ([]byte, error) {
	src := b.check(img)
	if b.fail["encode"] {
		return nil, errInjected
	}
	b.jpegOpts = append(b.jpegOpts, opts)
	return []byte(fmt.Sprintf("jpeg:%dx%d:q%d", src.width, src.height, opts.Quality)), nil
}

func (b *fakeBackend) EncodePNG(img Image, opts PNGOptions) ([]byte, error) {
	src := b.check(img)
	if b.fail["encode"] {
		return nil, errInjected
	}
	b.pngOpts = append(b.pngOpts, opts)
	return []byte(fmt.Sprintf("png:%dx%d:q%d", src.width, src.height, opts.Quality)), nil
}

func (b *fakeBackend) SaveJPEG(img Image, path string, opts JPEGOptions) error {
	data, err := b.EncodeJPEG(img, opts)
	if err != nil {
		return err
	}
	b.saved[path] = string(data)
	return nil
}

func (b *fakeBackend) SavePNG(img Image, path string, opts PNGOptions) error {
	data, err := b.EncodePNG(img, opts)
	if err != nil {
		return err
	}
	b.saved[path] = string(data)
	return nil
}

type fakeRuntime struct {
	mu        sync.Mutex
	startErr  error
	startups  int
	clears    int
	releases  int
	shutdowns int
}

func (r *fakeRuntime) Startup() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startups++
	return r.startErr
}

func (r *fakeRuntime) ClearError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clears++
}

func (r *fakeRuntime) ReleaseThread() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releases++
}

func (r *fakeRuntime) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdowns++
}
