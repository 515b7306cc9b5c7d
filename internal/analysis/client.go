// Package analysis wraps the external recognition capability. Analyze
// always resolves: any failure collapses into the sentinel result so the
// caller can treat failure as ordinary data.
package analysis

import (
	"context"

	"go.uber.org/zap"

	"github.com/flowcheck/capture-service/internal/imgutil"
	"github.com/flowcheck/capture-service/internal/reading"
)

// fallbackValue is returned when recognition succeeds but yields no
// reading text.
const fallbackValue = "00000.00"

// Recognizer is one recognition backend. It receives raw image bytes
// plus their media type and returns a structured result or an error.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte, mime string) (reading.AnalysisResult, error)
}

// Client is the sentinel-returning boundary in front of a Recognizer.
type Client struct {
	rec Recognizer
	log *zap.Logger
}

// NewClient wraps a recognizer.
func NewClient(rec Recognizer, log *zap.Logger) *Client {
	return &Client{rec: rec, log: log}
}

// Analyze recognizes one captured image, given as a data URL or bare
// base64 payload. It never returns an error: network failures, malformed
// bodies and schema mismatches all yield {value:"ERROR", confidence:0}.
// There are no automatic retries; every retry is a user action.
func (c *Client) Analyze(ctx context.Context, encoded string) reading.AnalysisResult {
	data, hint, err := imgutil.DecodeDataURL(encoded)
	if err != nil {
		c.log.Warn("analysis input is not decodable", zap.Error(err))
		return reading.Sentinel()
	}
	mime := imgutil.PickMIME("", hint, data)

	res, err := c.rec.Recognize(ctx, data, mime)
	if err != nil {
		c.log.Warn("recognition failed", zap.Error(err))
		return reading.Sentinel()
	}

	if res.Value == "" {
		res.Value = fallbackValue
	}
	res.Confidence = reading.ClampConfidence(res.Confidence)
	if res.BoundingBox != nil && !res.BoundingBox.Valid() {
		// The box is advisory; a bad one is dropped rather than failing
		// an otherwise valid reading.
		c.log.Warn("discarding invalid bounding box",
			zap.Float64("ymin", res.BoundingBox.YMin),
			zap.Float64("xmin", res.BoundingBox.XMin),
			zap.Float64("ymax", res.BoundingBox.YMax),
			zap.Float64("xmax", res.BoundingBox.XMax))
		res.BoundingBox = nil
	}
	return res
}
