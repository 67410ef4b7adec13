package thumbnail

import "fmt"

// opaque is the largest 8-bit sample value.
const opaque = 255

// classifyAlpha reports whether img carries real transparency. An alpha
// band whose minimum is 255 is treated as absent. Every handle created here
// is released before returning; img stays owned by the caller.
func classifyAlpha(ops BandOps, img Image) (bool, error) {
	if !img.HasAlpha() {
		return false, nil
	}

	alpha, err := ops.ExtractBand(img, img.Bands()-1)
	if err != nil {
		return false, stageError(ErrAnalysis, StageClassify, fmt.Errorf("extract alpha band: %w", err))
	}
	defer alpha.Close()

	if alpha.Format() != FormatUchar {
		cast, err := ops.CastUchar(alpha)
		if err != nil {
			return false, stageError(ErrAnalysis, StageClassify, fmt.Errorf("cast alpha to uchar: %w", err))
		}
		defer cast.Close()
		alpha = cast
	}

	min, err := ops.Min(alpha)
	if err != nil {
		return false, stageError(ErrAnalysis, StageClassify, fmt.Errorf("alpha minimum: %w", err))
	}
	return min != opaque, nil
}
