package backend

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// pngColorType maps an interleaved 8-bit band count to the PNG color type
// that stores exactly those bands.
var pngColorType = [...]byte{1: 0, 2: 4, 3: 2, 4: 6}

// encodeRawPNG wraps an interleaved 8-bit pixel buffer in an uncompressed
// PNG without touching the band layout. image/png would collapse an opaque
// RGBA image to RGB, so the stream is written by hand.
func encodeRawPNG(buf []byte, width, height, bands int) ([]byte, error) {
	if bands < 1 || bands > 4 {
		return nil, fmt.Errorf("unsupported band count %d", bands)
	}
	if width <= 0 || height <= 0 || len(buf) != width*height*bands {
		return nil, fmt.Errorf("buffer holds %d bytes, %dx%dx%d needs %d", len(buf), width, height, bands, width*height*bands)
	}

	var idat bytes.Buffer
	zw, err := zlib.NewWriterLevel(&idat, zlib.NoCompression)
	if err != nil {
		return nil, err
	}
	stride := width * bands
	for y := 0; y < height; y++ {
		// filter type none
		if _, err := zw.Write([]byte{0}); err != nil {
			return nil, err
		}
		if _, err := zw.Write(buf[y*stride : (y+1)*stride]); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], uint32(width))
	binary.BigEndian.PutUint32(ihdr[4:], uint32(height))
	ihdr[8], ihdr[9] = 8, pngColorType[bands]

	var out bytes.Buffer
	out.Grow(idat.Len() + 64)
	out.WriteString("\x89PNG\r\n\x1a\n")
	writePNGChunk(&out, "IHDR", ihdr)
	writePNGChunk(&out, "IDAT", idat.Bytes())
	writePNGChunk(&out, "IEND", nil)
	return out.Bytes(), nil
}

func writePNGChunk(buf *bytes.Buffer, typ string, data []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(data)))
	buf.Write(n[:])
	crc := crc32.NewIEEE()
	crc.Write([]byte(typ))
	crc.Write(data)
	buf.WriteString(typ)
	buf.Write(data)
	binary.BigEndian.PutUint32(n[:], crc.Sum32())
	buf.Write(n[:])
}
