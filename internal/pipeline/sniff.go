package pipeline

import (
	"fmt"

	"github.com/zRedShift/mimemagic"
)

// probeSize is how much of a source is read for MIME sniffing.
const probeSize = 1 << 12

// sniffImage matches head against the shared MIME database and rejects
// anything whose media type is not image/*.
func sniffImage(head []byte, filename string) (string, error) {
	mt := mimemagic.Match(head, filename, mimemagic.Magic)
	if mt.Media != "image" {
		return "", fmt.Errorf("%w: detected %s", ErrNotAnImage, mt.MediaType())
	}
	return mt.MediaType(), nil
}
