package capture

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/flowcheck/capture-service/internal/imgutil"
)

// Frame is the raster representation shared by camera captures and
// file-sourced images: the decoded pixels plus the encoded bytes that
// get persisted as the audit image.
type Frame struct {
	Image image.Image
	MIME  string
	Data  []byte
}

// DataURL returns the frame as a self-contained encoded string.
func (f *Frame) DataURL() string {
	return imgutil.EncodeDataURL(f.MIME, f.Data)
}

// EncodeJPEG serializes a raster as a quality-lossy JPEG frame. Capture
// trades fidelity for transfer size here; the crop path stays lossless.
func EncodeJPEG(img image.Image, quality int) (*Frame, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("capture: encode jpeg: %w", err)
	}
	return &Frame{Image: img, MIME: "image/jpeg", Data: buf.Bytes()}, nil
}

// DecodeFile decodes an arbitrary uploaded image file into the same
// raster representation as a camera capture. The original bytes are
// kept as-is for persistence.
func DecodeFile(data []byte) (*Frame, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("capture: decode uploaded image: %w", err)
	}
	return &Frame{Image: img, MIME: imgutil.PickMIME("", "", data), Data: data}, nil
}
