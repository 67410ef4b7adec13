package thumbnail

import (
	"errors"
	"fmt"
	"strings"
)

const (
	DefaultQuality     = 75
	DefaultOrientation = 1

	FormatJPEG = "jpeg"
	FormatPNG  = "png"
)

// State is the position of a Request in the pipeline.
type State int

const (
	StateCreated State = iota
	StateResolved
	StateResized
	StateClassified
	StateEncoded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateResolved:
		return "resolved"
	case StateResized:
		return "resized"
	case StateClassified:
		return "classified"
	case StateEncoded:
		return "encoded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Stage names the pipeline step that produced an error.
type Stage string

const (
	StageValidate Stage = "validate"
	StageResolve  Stage = "resolve"
	StageResize   Stage = "resize"
	StageClassify Stage = "classify"
	StageEncode   Stage = "encode"
	StageRuntime  Stage = "runtime"
)

// Request is both the input and the result of a thumbnail call. Exactly one
// of InputPath or Input selects the ingestion mode. OutputPath selects file
// output; when it is empty the encoded bytes are stored in Output.
type Request struct {
	// Raw mode source geometry. File mode overwrites Width and Height.
	Width, Height int
	Bands         int
	Orientation   int

	TargetSize int
	Quality    int

	InputPath string
	Input     []byte

	OutputPath string
	Output     []byte

	ThumbWidth, ThumbHeight int
	HasAlpha                bool
	Format                  string

	State    State
	FailedAt State
}

// NewFileRequest returns a request reading the image at path.
func NewFileRequest(path string, targetSize, quality int) *Request {
	return &Request{InputPath: path, TargetSize: targetSize, Quality: quality}
}

// NewRawRequest returns a request over a decoded 8-bit pixel buffer.
func NewRawRequest(buf []byte, width, height, bands, orientation, targetSize, quality int) *Request {
	return &Request{
		Input:       buf,
		Width:       width,
		Height:      height,
		Bands:       bands,
		Orientation: orientation,
		TargetSize:  targetSize,
		Quality:     quality,
	}
}

// ToPath directs the encoded thumbnail to a file.
func (r *Request) ToPath(path string) *Request {
	r.OutputPath = path
	return r
}

func (r *Request) InputSize() int {
	return len(r.Input)
}

func (r *Request) OutputSize() int {
	return len(r.Output)
}

// FromMemory reports whether the request is in raw-buffer ingestion mode.
func (r *Request) FromMemory() bool {
	return strings.TrimSpace(r.InputPath) == ""
}

// ToMemory reports whether the request is in buffer output mode.
func (r *Request) ToMemory() bool {
	return strings.TrimSpace(r.OutputPath) == ""
}

// Validate checks mode exclusivity and fills defaults. It does not check the
// raw buffer size; the resolver owns that.
func (r *Request) Validate() error {
	hasPath := !r.FromMemory()
	hasBuf := len(r.Input) > 0
	switch {
	case hasPath && hasBuf:
		return errors.New("input_path and input buffer are mutually exclusive")
	case !hasPath && !hasBuf:
		return errors.New("either input_path or input buffer is required")
	}
	if !r.ToMemory() && len(r.Output) > 0 {
		return errors.New("output_path and output buffer are mutually exclusive")
	}
	if r.Quality == 0 {
		r.Quality = DefaultQuality
	}
	if r.Quality < 1 || r.Quality > 100 {
		return fmt.Errorf("quality must be in [1,100], got %d", r.Quality)
	}
	return nil
}

// DisplayDimensions returns the source dimensions as they appear once the
// orientation tag is applied.
func (r *Request) DisplayDimensions() (int, int) {
	if r.Orientation > 4 {
		return r.Height, r.Width
	}
	return r.Width, r.Height
}

func (r *Request) resetOutputs() {
	r.ThumbWidth, r.ThumbHeight = 0, 0
	r.HasAlpha = false
	r.Format = ""
	r.Output = nil
}

// NormalizeOrientation maps anything outside [1,8] to DefaultOrientation.
func NormalizeOrientation(o int) int {
	if o < 1 || o > 8 {
		return DefaultOrientation
	}
	return o
}
