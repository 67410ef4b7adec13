package thumbnail

import "fmt"

// shrink resizes img to fit req.TargetSize and records the result size.
// img is released whatever the outcome.
func shrink(rs Resampler, img Image, req *Request) (Image, error) {
	defer img.Close()

	if req.TargetSize <= 0 {
		return nil, stageError(ErrResize, StageResize, fmt.Errorf("target size must be positive, got %d", req.TargetSize))
	}

	out, err := rs.Thumbnail(img, req.TargetSize)
	if err != nil {
		return nil, stageError(ErrResize, StageResize, err)
	}

	req.ThumbWidth, req.ThumbHeight = out.Width(), out.Height()
	return out, nil
}
