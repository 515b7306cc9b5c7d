// Package intake processes capture requests arriving over the message
// queue: field devices publish a photographed meter image, the processor
// runs recognition, checks plausibility and persists the reading. It is
// the headless counterpart of an interactive capture session.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowcheck/capture-service/internal/analysis"
	"github.com/flowcheck/capture-service/internal/anomaly"
	"github.com/flowcheck/capture-service/internal/config"
	"github.com/flowcheck/capture-service/internal/identity"
	"github.com/flowcheck/capture-service/internal/imgutil"
	"github.com/flowcheck/capture-service/internal/logging"
	"github.com/flowcheck/capture-service/internal/reading"
	"github.com/flowcheck/capture-service/internal/session"
	"github.com/flowcheck/capture-service/internal/store"
)

// historyWindow bounds how many recent values feed the plausibility check.
const historyWindow = 10

// CaptureRequest is the incoming queue message.
type CaptureRequest struct {
	RequestID   string `json:"request_id"`
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	// Image is the photographed meter, as a data URL or bare base64.
	Image     string `json:"image"`
	Location  string `json:"location,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"` // epoch ms; defaults to receipt time
}

// Processor turns capture requests into persisted readings.
type Processor struct {
	analyzer *analysis.Client
	store    store.Store
	detector *anomaly.Detector
	admins   identity.Admins
	review   config.ReviewConfig
	events   session.Events
	logger   *zap.Logger

	mu       sync.Mutex
	readings []reading.MeterReading
	unsub    func()
}

// NewProcessor wires the processor and subscribes to the store for
// plausibility history. events may be nil.
func NewProcessor(
	analyzer *analysis.Client,
	st store.Store,
	detector *anomaly.Detector,
	admins identity.Admins,
	review config.ReviewConfig,
	events session.Events,
	logger *zap.Logger,
) *Processor {
	p := &Processor{
		analyzer: analyzer,
		store:    st,
		detector: detector,
		admins:   admins,
		review:   review,
		events:   events,
		logger:   logger,
	}
	p.unsub = st.Subscribe(func(rs []reading.MeterReading) {
		p.mu.Lock()
		p.readings = rs
		p.mu.Unlock()
	})
	return p
}

// Close cuts the store subscription.
func (p *Processor) Close() {
	if p.unsub != nil {
		p.unsub()
	}
}

// ProcessMessage handles one queue delivery. A returned error dead-letters
// the message; recognition is attempted exactly once.
func (p *Processor) ProcessMessage(ctx context.Context, body []byte) error {
	var req CaptureRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return fmt.Errorf("failed to unmarshal capture request: %w", err)
	}

	reqLogger := logging.WithRequestID(p.logger, req.RequestID)
	reqLogger.Info("processing capture request",
		zap.String("uid", req.UID),
		zap.Int("image_size", len(req.Image)),
	)

	if strings.TrimSpace(req.Image) == "" {
		return fmt.Errorf("capture request %s has no image", req.RequestID)
	}

	res := p.analyzer.Analyze(ctx, req.Image)
	if res.Failed() {
		return fmt.Errorf("recognition failed for request %s", req.RequestID)
	}
	confidence := reading.ClampConfidence(res.Confidence)

	user := reading.UserInfo{
		UID:         req.UID,
		Email:       req.Email,
		DisplayName: req.DisplayName,
		IsAdmin:     p.admins.Contains(req.Email),
	}
	if user.DisplayName == "" {
		user.DisplayName = reading.DisplayName(req.Email)
	}

	ts := req.Timestamp
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}

	r := reading.MeterReading{
		Value:      res.Value,
		Confidence: confidence,
		Timestamp:  ts,
		ImageURL:   normalizeImage(req.Image),
		Location:   strings.TrimSpace(req.Location),
		RecordedBy: &user,
	}

	warning := p.plausibilityWarning(res.Value)
	if warning != "" {
		reqLogger.Warn("implausible reading accepted with flag", zap.String("reason", warning))
	}

	id, err := p.store.Add(ctx, r)
	if err != nil {
		return fmt.Errorf("failed to persist reading: %w", err)
	}
	r.ID = id

	reqLogger.Info("reading recorded from queue",
		zap.String("reading_id", id),
		zap.Float64("confidence", confidence),
	)

	if p.events != nil {
		flagged := warning != "" || confidence < p.review.ReviewConfidenceThreshold
		p.events.ReadingRecorded(ctx, r, flagged, warning)
	}
	return nil
}

func (p *Processor) plausibilityWarning(value string) string {
	if p.detector == nil {
		return ""
	}
	v, err := reading.ParseValue(value)
	if err != nil {
		return ""
	}

	p.mu.Lock()
	rs := p.readings
	p.mu.Unlock()

	var recent []float64
	for _, r := range rs {
		pv, err := reading.ParseValue(r.Value)
		if err != nil {
			continue
		}
		recent = append(recent, pv)
		if len(recent) == historyWindow {
			break
		}
	}

	if flagged, reason := p.detector.Check(v, recent); flagged {
		return reason
	}
	return ""
}

// normalizeImage stores the image as a data URL whatever shape it
// arrived in.
func normalizeImage(encoded string) string {
	if strings.HasPrefix(encoded, "data:") {
		return encoded
	}
	raw, mime, err := imgutil.DecodeDataURL(encoded)
	if err != nil {
		return encoded
	}
	return imgutil.EncodeDataURL(imgutil.PickMIME(mime, "", raw), raw)
}
