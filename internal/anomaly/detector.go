package anomaly

import (
	"fmt"
)

// Detector flags implausible confirmed readings. Checks are advisory:
// a flagged reading is still persisted, with a warning attached.
type Detector struct {
	spikeThreshold            float64
	minDataPointsForDetection int
}

// NewDetector creates a detector with the specified thresholds
func NewDetector(spikeThreshold float64, minDataPointsForDetection int) *Detector {
	return &Detector{
		spikeThreshold:            spikeThreshold,
		minDataPointsForDetection: minDataPointsForDetection,
	}
}

// Check inspects a new reading value against the most recent stored
// values, newest first. Utility meters accumulate, so a value below the
// latest stored one is flagged, as is a sudden spike above the rolling
// average.
func (d *Detector) Check(value float64, recentValues []float64) (bool, string) {
	if value < 0 {
		return true, "negative reading value"
	}

	if len(recentValues) > 0 && value < recentValues[0] {
		return true, fmt.Sprintf("meter rollback: value %.2f is below the most recent reading %.2f",
			value, recentValues[0])
	}

	// Need enough history for spike detection
	if len(recentValues) < d.minDataPointsForDetection {
		return false, ""
	}

	sum := 0.0
	for _, v := range recentValues {
		sum += v
	}
	average := sum / float64(len(recentValues))

	if average > 0 && value > d.spikeThreshold*average {
		return true, fmt.Sprintf("sudden spike detected: value %.2f exceeds %.1fx rolling average %.2f",
			value, d.spikeThreshold, average)
	}

	return false, ""
}
