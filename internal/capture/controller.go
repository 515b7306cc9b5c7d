// Package capture owns the camera stream lifecycle and still-frame
// acquisition for a capture session. The controller is an explicit state
// machine; downstream analysis belongs to the session orchestrator.
package capture

import (
	"context"
	"fmt"
	"image"
	"sync"

	"go.uber.org/zap"
)

// State names the controller's explicit states.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateLive         State = "live"
	StateCaptured     State = "captured"
	StateError        State = "error"
)

// Constraints describe the requested stream: rear-camera preference and
// an ideal (not required) resolution.
type Constraints struct {
	FacingMode  string
	IdealWidth  int
	IdealHeight int
}

// Stream is one acquired camera stream. Close must stop every track.
type Stream interface {
	Frame() (image.Image, error)
	TorchSupported() bool
	SetTorch(on bool) error
	Close() error
}

// Device is the platform camera surface.
type Device interface {
	OpenStream(ctx context.Context, c Constraints) (Stream, error)
}

// Options configure a controller.
type Options struct {
	IdealWidth  int
	IdealHeight int
	JPEGQuality int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.IdealWidth <= 0 {
		out.IdealWidth = 1920
	}
	if out.IdealHeight <= 0 {
		out.IdealHeight = 1080
	}
	if out.JPEGQuality <= 0 || out.JPEGQuality > 100 {
		out.JPEGQuality = 80
	}
	return out
}

// Controller drives Idle → Initializing → Live → Captured, with Error as
// the acquisition-failure branch. Captured is terminal for this
// component.
type Controller struct {
	device Device
	opts   Options
	log    *zap.Logger

	mu       sync.Mutex
	state    State
	cause    string
	stream   Stream
	torchOn  bool
	hasTorch bool
	captured *Frame
}

// NewController creates an idle controller for one capture view.
func NewController(device Device, opts Options, log *zap.Logger) *Controller {
	return &Controller{
		device: device,
		opts:   opts.withDefaults(),
		log:    log,
		state:  StateIdle,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ErrorCause returns the human-readable cause while in Error.
func (c *Controller) ErrorCause() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// CapturedFrame returns the acquired frame while in Captured, else nil.
func (c *Controller) CapturedFrame() *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captured
}

// TorchAvailable reports whether the live stream exposed torch control.
func (c *Controller) TorchAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateLive && c.hasTorch
}

// Start requests a video stream and transitions Idle/Error →
// Initializing → Live. On acquisition failure the controller enters
// Error; the only recoveries are Start (retry) or UploadFile.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateLive || c.state == StateInitializing {
		c.mu.Unlock()
		return fmt.Errorf("capture: stream already active")
	}
	if c.state == StateCaptured {
		c.mu.Unlock()
		return fmt.Errorf("capture: retake before starting a new stream")
	}
	c.releaseLocked()
	c.state = StateInitializing
	c.cause = ""
	c.mu.Unlock()

	stream, err := c.device.OpenStream(ctx, Constraints{
		FacingMode:  "environment",
		IdealWidth:  c.opts.IdealWidth,
		IdealHeight: c.opts.IdealHeight,
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInitializing {
		// Cancelled while acquiring; the stream must not leak.
		if err == nil {
			_ = stream.Close()
		}
		return nil
	}
	if err != nil {
		c.state = StateError
		c.cause = "Could not access camera. Please verify permissions or upload a photo."
		c.log.Warn("camera stream acquisition failed", zap.Error(err))
		return err
	}
	c.stream = stream
	c.hasTorch = stream.TorchSupported()
	c.state = StateLive
	c.log.Debug("camera stream live", zap.Bool("torch", c.hasTorch))
	return nil
}

// Capture draws the current video frame at the stream's native
// resolution, serializes it as a lossy JPEG, releases the stream and
// enters Captured. Only valid while Live.
func (c *Controller) Capture() (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateLive {
		return nil, fmt.Errorf("capture: cannot capture in state %s", c.state)
	}
	img, err := c.stream.Frame()
	if err != nil {
		c.releaseLocked()
		c.state = StateError
		c.cause = "Could not read a frame from the camera."
		return nil, fmt.Errorf("capture: read frame: %w", err)
	}
	frame, err := EncodeJPEG(img, c.opts.JPEGQuality)
	if err != nil {
		c.releaseLocked()
		c.state = StateError
		c.cause = "Could not encode the captured frame."
		return nil, err
	}
	c.releaseLocked()
	c.captured = frame
	c.state = StateCaptured
	return frame, nil
}

// ToggleTorch flips the torch while Live. Failures are swallowed; torch
// control is cosmetic.
func (c *Controller) ToggleTorch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateLive || !c.hasTorch {
		return c.torchOn
	}
	next := !c.torchOn
	if err := c.stream.SetTorch(next); err != nil {
		c.log.Debug("torch toggle failed", zap.Error(err))
		return c.torchOn
	}
	c.torchOn = next
	return c.torchOn
}

// UploadFile decodes a gallery/file-sourced image and injects it at the
// Captured point without ever entering Live. Available from any state,
// including Error.
func (c *Controller) UploadFile(data []byte) (*Frame, error) {
	frame, err := DecodeFile(data)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
	c.captured = frame
	c.cause = ""
	c.state = StateCaptured
	return frame, nil
}

// Retake discards the captured frame and returns to Idle, releasing any
// stream first.
func (c *Controller) Retake() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
	c.captured = nil
	c.cause = ""
	c.state = StateIdle
}

// Shutdown releases all resources unconditionally. Safe in every state;
// used on cancel, error and unmount paths.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
	c.captured = nil
	c.state = StateIdle
}

// releaseLocked stops the active stream, if any. Failing to release is a
// resource leak, so this runs on every exit path.
func (c *Controller) releaseLocked() {
	if c.stream == nil {
		return
	}
	if err := c.stream.Close(); err != nil {
		c.log.Warn("failed to release camera stream", zap.Error(err))
	}
	c.stream = nil
	c.torchOn = false
	c.hasTorch = false
}

// Prober adapts a Device to the permission coordinator's camera probe:
// acquire a stream and release it immediately.
type Prober struct {
	Device Device
}

// ProbeCamera opens and closes a stream, forcing the permission prompt.
func (p Prober) ProbeCamera(ctx context.Context) error {
	stream, err := p.Device.OpenStream(ctx, Constraints{FacingMode: "environment"})
	if err != nil {
		return err
	}
	return stream.Close()
}
