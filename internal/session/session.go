// Package session orchestrates one capture flow end to end: camera
// acquisition, still capture or upload, recognition, human confirmation
// and persistence. The session owns the in-flight analysis result and
// discards it on retake; only Confirm writes anything durable.
package session

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flowcheck/capture-service/internal/analysis"
	"github.com/flowcheck/capture-service/internal/anomaly"
	"github.com/flowcheck/capture-service/internal/capture"
	"github.com/flowcheck/capture-service/internal/config"
	"github.com/flowcheck/capture-service/internal/crop"
	"github.com/flowcheck/capture-service/internal/permission"
	"github.com/flowcheck/capture-service/internal/reading"
	"github.com/flowcheck/capture-service/internal/store"
)

// historyWindow bounds how many recent values feed the plausibility check.
const historyWindow = 10

// Events receives notifications about persisted readings. Publishing
// happens after the write succeeds; a failed notification never fails
// the confirm.
type Events interface {
	ReadingRecorded(ctx context.Context, r reading.MeterReading, flagged bool, reason string)
}

// Permissions is the slice of the permission coordinator a session
// needs. *permission.Coordinator satisfies it.
type Permissions interface {
	Initialize(ctx context.Context)
	LastKnownLocation() *permission.Coordinates
}

// Config wires a session's collaborators. Events and History are
// optional.
type Config struct {
	Controller  *capture.Controller
	Analyzer    *analysis.Client
	Permissions Permissions
	Store       store.Store
	Detector    *anomaly.Detector
	Events      Events
	Review      config.ReviewConfig
	// History returns the current reading list, newest first.
	History func() []reading.MeterReading
}

// Session drives one user through capture, analysis and confirm.
type Session struct {
	sc  Context
	cfg Config

	// token invalidates in-flight analysis: retake, a newer capture and
	// confirm all bump it, and a result only lands if its token is still
	// current.
	token      atomic.Int64
	analysisWG sync.WaitGroup

	mu     sync.Mutex
	frame  *capture.Frame
	result *reading.AnalysisResult
}

// New creates a session for the signed-in user described by sc.
func New(sc Context, cfg Config) *Session {
	return &Session{sc: sc, cfg: cfg}
}

// Begin opens the camera stream.
func (s *Session) Begin(ctx context.Context) error {
	return s.cfg.Controller.Start(ctx)
}

// State exposes the capture state machine's current state.
func (s *Session) State() capture.State {
	return s.cfg.Controller.State()
}

// CaptureFrame freezes the live stream into a still and starts
// recognition in the background.
func (s *Session) CaptureFrame(ctx context.Context) error {
	frame, err := s.cfg.Controller.Capture()
	if err != nil {
		return err
	}
	s.beginAnalysis(ctx, frame)
	return nil
}

// Upload injects a file-sourced image instead of a camera frame and
// starts recognition. Valid in any state, including after a camera
// failure.
func (s *Session) Upload(ctx context.Context, data []byte) error {
	frame, err := s.cfg.Controller.UploadFile(data)
	if err != nil {
		return err
	}
	s.beginAnalysis(ctx, frame)
	return nil
}

func (s *Session) beginAnalysis(ctx context.Context, frame *capture.Frame) {
	tok := s.token.Add(1)
	s.mu.Lock()
	s.frame = frame
	s.result = nil
	s.mu.Unlock()

	s.analysisWG.Add(1)
	go func() {
		defer s.analysisWG.Done()
		res := s.cfg.Analyzer.Analyze(ctx, frame.DataURL())
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.token.Load() != tok {
			s.sc.Logger.Debug("discarding stale analysis result")
			return
		}
		s.result = &res
	}()
}

// Result returns the landed analysis result. ok is false while
// recognition is still in flight or after a retake.
func (s *Session) Result() (reading.AnalysisResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return reading.AnalysisResult{}, false
	}
	return *s.result, true
}

// Retake discards the captured frame and any analysis result, including
// one still in flight.
func (s *Session) Retake() {
	s.token.Add(1)
	s.mu.Lock()
	s.frame = nil
	s.result = nil
	s.mu.Unlock()
	s.cfg.Controller.Retake()
}

// VerificationCrop renders the recognized digits region, padded and
// clamped, for the confirm step. ok is false when there is no frame, no
// box, or the crop fails; callers then show the full image.
func (s *Session) VerificationCrop() (image.Image, bool) {
	s.mu.Lock()
	frame, res := s.frame, s.result
	s.mu.Unlock()

	if frame == nil || frame.Image == nil || res == nil || res.BoundingBox == nil {
		return nil, false
	}
	img, err := crop.Crop(frame.Image, *res.BoundingBox)
	if err != nil {
		s.sc.Logger.Warn("verification crop failed", zap.Error(err))
		return nil, false
	}
	return img, true
}

// NeedsReview reports whether a confidence falls below the
// capture-review gate.
func (s *Session) NeedsReview(confidence float64) bool {
	return confidence < s.cfg.Review.ReviewConfidenceThreshold
}

// TrustedInHistory reports whether a confidence clears the stricter
// history-display gate.
func (s *Session) TrustedInHistory(confidence float64) bool {
	return confidence >= s.cfg.Review.HistoryConfidenceThreshold
}

// Confirm persists the captured reading. editedValue, when non-empty,
// overrides the recognized value; the stored image is always the full
// frame, never the verification crop. The returned warning carries a
// non-blocking plausibility complaint, empty when the value looks sane.
func (s *Session) Confirm(ctx context.Context, editedValue string) (reading.MeterReading, string, error) {
	s.mu.Lock()
	frame, res := s.frame, s.result
	s.mu.Unlock()

	if frame == nil {
		return reading.MeterReading{}, "", fmt.Errorf("session: no captured frame to confirm")
	}

	value := strings.TrimSpace(editedValue)
	if value == "" && res != nil && !res.Failed() {
		value = res.Value
	}
	if value == "" || value == reading.SentinelValue {
		return reading.MeterReading{}, "", fmt.Errorf("session: reading value required")
	}

	var confidence float64
	if res != nil && !res.Failed() {
		confidence = reading.ClampConfidence(res.Confidence)
	}

	user := s.sc.User
	r := reading.MeterReading{
		Value:      value,
		Confidence: confidence,
		Timestamp:  time.Now().UnixMilli(),
		ImageURL:   frame.DataURL(),
		RecordedBy: &user,
	}
	if s.cfg.Permissions != nil {
		if c := s.cfg.Permissions.LastKnownLocation(); c != nil {
			r.Location = reading.FormatLocation(c.Lat, c.Lng)
		}
	}

	warning := s.plausibilityWarning(value)

	id, err := s.cfg.Store.Add(ctx, r)
	if err != nil {
		return reading.MeterReading{}, "", fmt.Errorf("session: persist reading: %w", err)
	}
	r.ID = id

	s.sc.Logger.Info("reading recorded",
		zap.String("reading_id", id),
		zap.Float64("confidence", confidence),
		zap.String("warning", warning),
	)

	if s.cfg.Events != nil {
		flagged := warning != "" || s.NeedsReview(confidence)
		s.cfg.Events.ReadingRecorded(ctx, r, flagged, warning)
	}

	// The session is done with this frame; next capture starts clean.
	s.token.Add(1)
	s.mu.Lock()
	s.frame = nil
	s.result = nil
	s.mu.Unlock()

	return r, warning, nil
}

// End releases the camera and invalidates any in-flight analysis.
func (s *Session) End() {
	s.token.Add(1)
	s.mu.Lock()
	s.frame = nil
	s.result = nil
	s.mu.Unlock()
	s.cfg.Controller.Shutdown()
}

// plausibilityWarning runs the anomaly detector against recent history.
// A non-numeric value skips the check; free-text values are legal.
func (s *Session) plausibilityWarning(value string) string {
	if s.cfg.Detector == nil {
		return ""
	}
	v, err := reading.ParseValue(value)
	if err != nil {
		return ""
	}

	var recent []float64
	if s.cfg.History != nil {
		for _, r := range s.cfg.History() {
			pv, err := reading.ParseValue(r.Value)
			if err != nil {
				continue
			}
			recent = append(recent, pv)
			if len(recent) == historyWindow {
				break
			}
		}
	}

	if flagged, reason := s.cfg.Detector.Check(v, recent); flagged {
		return reason
	}
	return ""
}
