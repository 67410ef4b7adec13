package thumbnail

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest = errors.New("invalid thumbnail request")
	ErrDecode         = errors.New("decode failed")
	ErrInvalidBuffer  = errors.New("invalid raw buffer")
	ErrResize         = errors.New("resize failed")
	ErrAnalysis       = errors.New("alpha analysis failed")
	ErrEncode         = errors.New("encode failed")
	ErrRuntimeInit    = errors.New("image runtime init failed")

	// ErrFileFormatNotSupported is returned by backends for inputs they
	// cannot identify. It matches ErrDecode.
	ErrFileFormatNotSupported = fmt.Errorf("%w: file format not supported", ErrDecode)
)

// Error is a failed request. It unwraps to the collaborator error and
// matches its Kind with errors.Is.
type Error struct {
	Kind  error
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("thumbnail %s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("thumbnail %s: %v: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// KindOf returns the sentinel kind of err, or nil if err did not come from
// the pipeline.
func KindOf(err error) error {
	var tErr *Error
	if errors.As(err, &tErr) {
		return tErr.Kind
	}
	for _, kind := range []error{ErrInvalidRequest, ErrDecode, ErrInvalidBuffer, ErrResize, ErrAnalysis, ErrEncode, ErrRuntimeInit} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

func stageError(kind error, stage Stage, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}
