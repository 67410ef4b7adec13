package thumbnail

// BandFormat is the numeric format of a single band sample.
type BandFormat int

const (
	FormatUnknown BandFormat = iota
	FormatUchar
	FormatUshort
	FormatFloat
)

func (f BandFormat) String() string {
	switch f {
	case FormatUchar:
		return "uchar"
	case FormatUshort:
		return "ushort"
	case FormatFloat:
		return "float"
	default:
		return "unknown"
	}
}

// Interpretation tells consumers how to read the bands of an image.
type Interpretation int

const (
	InterpretationMultiband Interpretation = iota
	InterpretationSRGB
)

// Image is a handle owned by exactly one pipeline stage at a time. Close
// releases it; a closed handle must not be read again.
type Image interface {
	Width() int
	Height() int
	Bands() int
	Format() BandFormat
	HasAlpha() bool
	Orientation() (int, bool)
	SetOrientation(orientation int) error
	Close()
}

type Decoder interface {
	Open(path string) (Image, error)
	// OpenMemory builds an 8-bit-per-channel view over buf.
	OpenMemory(buf []byte, width, height, bands int) (Image, error)
	// Reinterpret returns a new handle tagged with interp. The input handle
	// stays owned by the caller.
	Reinterpret(img Image, interp Interpretation) (Image, error)
}

// Resampler shrinks an image so its longer edge fits size. It never
// upscales and applies the orientation tag of img to the result.
type Resampler interface {
	Thumbnail(img Image, size int) (Image, error)
}

type BandOps interface {
	ExtractBand(img Image, band int) (Image, error)
	CastUchar(img Image) (Image, error)
	Min(img Image) (float64, error)
}

type JPEGOptions struct {
	Quality        int
	Strip          bool
	OptimizeCoding bool
}

type PNGOptions struct {
	Quality int
	Strip   bool
	Palette bool
}

type Encoder interface {
	EncodeJPEG(img Image, opts JPEGOptions) ([]byte, error)
	EncodePNG(img Image, opts PNGOptions) ([]byte, error)
	SaveJPEG(img Image, path string, opts JPEGOptions) error
	SavePNG(img Image, path string, opts PNGOptions) error
}

// Backend is the image-processing library the pipeline delegates to.
type Backend interface {
	Decoder
	Resampler
	BandOps
	Encoder
}

// Runtime is the process-wide state of a Backend.
type Runtime interface {
	Startup() error
	// ClearError drops error state recorded for the calling thread.
	ClearError()
	// ReleaseThread frees runtime resources bound to the calling thread.
	ReleaseThread()
	Shutdown()
}
