package reading

import (
	"fmt"
	"strconv"
	"strings"
)

// UserInfo is a denormalized identity snapshot captured at write time.
// It is a copy, not a live reference; it may describe an account that no
// longer exists.
type UserInfo struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	IsAdmin     bool   `json:"isAdmin"`
}

// MeterReading is the durable unit of record.
type MeterReading struct {
	ID         string    `json:"id"`
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	Timestamp  int64     `json:"timestamp"` // epoch milliseconds, set at capture
	ImageURL   string    `json:"imageUrl,omitempty"`
	Location   string    `json:"location,omitempty"`
	RecordedBy *UserInfo `json:"recordedBy,omitempty"`
}

// Update carries a partial set of fields to merge into an existing record.
// Nil fields are left untouched. Timestamp and RecordedBy are immutable
// after creation and intentionally absent.
type Update struct {
	Value      *string
	Confidence *float64
	ImageURL   *string
	Location   *string
}

// Apply merges the update into r.
func (u Update) Apply(r *MeterReading) {
	if u.Value != nil {
		r.Value = *u.Value
	}
	if u.Confidence != nil {
		r.Confidence = *u.Confidence
	}
	if u.ImageURL != nil {
		r.ImageURL = *u.ImageURL
	}
	if u.Location != nil {
		r.Location = *u.Location
	}
}

// BoundingBox locates the recognized reading within the source image.
// Coordinates are normalized to [0,1000] against the image dimensions.
type BoundingBox struct {
	YMin float64 `json:"ymin"`
	XMin float64 `json:"xmin"`
	YMax float64 `json:"ymax"`
	XMax float64 `json:"xmax"`
}

// Valid reports whether the box satisfies the contract invariants:
// each coordinate in [0,1000], xmin<xmax, ymin<ymax.
func (b BoundingBox) Valid() bool {
	for _, v := range []float64{b.YMin, b.XMin, b.YMax, b.XMax} {
		if v < 0 || v > 1000 {
			return false
		}
	}
	return b.XMin < b.XMax && b.YMin < b.YMax
}

// AnalysisResult is the transient output of the recognition capability.
// It is owned by the in-flight capture session and discarded after
// confirm or retake.
type AnalysisResult struct {
	Value       string
	Confidence  float64
	BoundingBox *BoundingBox
}

// SentinelValue marks a well-formed but semantically failed analysis
// result, returned instead of an error so callers can treat failure as
// ordinary data.
const SentinelValue = "ERROR"

// Sentinel returns the terminal failure result.
func Sentinel() AnalysisResult {
	return AnalysisResult{Value: SentinelValue, Confidence: 0}
}

// Failed reports whether the result is the failure sentinel.
func (r AnalysisResult) Failed() bool {
	return r.Value == SentinelValue
}

// ParseValue parses a reading value string ("02268.85") into a float.
// The value is free text after human edit, so failure is expected input,
// not a programming error.
func ParseValue(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty reading value")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid reading value %q: %w", s, err)
	}
	return v, nil
}

// ClampConfidence forces a producer-supplied confidence into [0,100].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

// FormatLocation renders coordinates as "<lat>,<lng>" with fixed
// 5-decimal precision.
func FormatLocation(lat, lng float64) string {
	return fmt.Sprintf("%.5f,%.5f", lat, lng)
}

// DisplayName derives the default display name from an email address:
// the local part, or "Unknown" when the email is empty.
func DisplayName(email string) string {
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	if email != "" {
		return email
	}
	return "Unknown"
}
