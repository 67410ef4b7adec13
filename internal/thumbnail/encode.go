package thumbnail

// encode writes img as PNG when req.HasAlpha is set and as JPEG otherwise,
// to req.OutputPath or into req.Output. img is released whatever the
// outcome.
func encode(enc Encoder, img Image, req *Request) error {
	defer img.Close()

	var err error
	if req.HasAlpha {
		opts := PNGOptions{Quality: req.Quality, Strip: true, Palette: true}
		if req.ToMemory() {
			var out []byte
			if out, err = enc.EncodePNG(img, opts); err == nil {
				req.Output = out
			}
		} else {
			err = enc.SavePNG(img, req.OutputPath, opts)
		}
	} else {
		opts := JPEGOptions{Quality: req.Quality, Strip: true, OptimizeCoding: true}
		if req.ToMemory() {
			var out []byte
			if out, err = enc.EncodeJPEG(img, opts); err == nil {
				req.Output = out
			}
		} else {
			err = enc.SaveJPEG(img, req.OutputPath, opts)
		}
	}
	if err != nil {
		return stageError(ErrEncode, StageEncode, err)
	}

	req.Format = FormatJPEG
	if req.HasAlpha {
		req.Format = FormatPNG
	}
	return nil
}
