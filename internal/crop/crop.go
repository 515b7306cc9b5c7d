// Package crop produces the padded verification crop shown to the
// technician next to the recognized digits. It is pure geometry plus a
// resample; it performs no I/O and never touches the persisted image.
package crop

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"

	xdraw "golang.org/x/image/draw"

	"github.com/flowcheck/capture-service/internal/reading"
)

const (
	// Horizontal padding stays tight since digit rows are wide.
	padXRatio = 0.2
	// Generous vertical padding avoids clipping multi-row dial elements.
	padYRatio = 0.6
)

// Rect converts a normalized [0,1000] bounding box into a padded pixel
// rectangle clamped to the w×h image bounds. The origin is never
// negative and the extent never exceeds the source.
func Rect(w, h int, box reading.BoundingBox) (image.Rectangle, error) {
	if w <= 0 || h <= 0 {
		return image.Rectangle{}, fmt.Errorf("crop: invalid image dimensions %dx%d", w, h)
	}
	if !box.Valid() {
		return image.Rectangle{}, fmt.Errorf("crop: invalid bounding box %+v", box)
	}

	x0 := box.XMin / 1000 * float64(w)
	x1 := box.XMax / 1000 * float64(w)
	y0 := box.YMin / 1000 * float64(h)
	y1 := box.YMax / 1000 * float64(h)

	boxW := x1 - x0
	boxH := y1 - y0
	padX := padXRatio * boxW
	padY := padYRatio * boxH

	finalX := math.Max(0, x0-padX)
	finalY := math.Max(0, y0-padY)
	finalW := math.Min(float64(w)-finalX, boxW+2*padX)
	finalH := math.Min(float64(h)-finalY, boxH+2*padY)

	r := image.Rect(
		int(math.Round(finalX)),
		int(math.Round(finalY)),
		int(math.Round(finalX+finalW)),
		int(math.Round(finalY+finalH)),
	)
	// Rounding must not push the rect outside the image.
	return r.Intersect(image.Rect(0, 0, w, h)), nil
}

// Crop extracts the padded region into a new raster of the clamped size,
// resampled with Catmull-Rom smoothing.
func Crop(src image.Image, box reading.BoundingBox) (image.Image, error) {
	b := src.Bounds()
	r, err := Rect(b.Dx(), b.Dy(), box)
	if err != nil {
		return nil, err
	}
	if r.Empty() {
		return nil, fmt.Errorf("crop: empty crop region for box %+v", box)
	}

	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, r.Add(b.Min), xdraw.Src, nil)
	return dst, nil
}

// EncodePNG re-encodes the crop losslessly. The crop is a display
// artifact, not the audit record.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("crop: encode png: %w", err)
	}
	return buf.Bytes(), nil
}
