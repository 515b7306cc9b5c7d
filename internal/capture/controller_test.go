package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"go.uber.org/zap"
)

type fakeStream struct {
	img      image.Image
	torch    bool
	torchErr error
	frameErr error
	closed   int
}

func (s *fakeStream) Frame() (image.Image, error) {
	if s.frameErr != nil {
		return nil, s.frameErr
	}
	return s.img, nil
}
func (s *fakeStream) TorchSupported() bool     { return s.torch }
func (s *fakeStream) SetTorch(on bool) error   { return s.torchErr }
func (s *fakeStream) Close() error             { s.closed++; return nil }

type fakeDevice struct {
	stream *fakeStream
	err    error
	opens  int
}

func (d *fakeDevice) OpenStream(_ context.Context, _ Constraints) (Stream, error) {
	d.opens++
	if d.err != nil {
		return nil, d.err
	}
	return d.stream, nil
}

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(3, 3, color.RGBA{R: 255, A: 255})
	return img
}

func newTestController(d Device) *Controller {
	return NewController(d, Options{JPEGQuality: 80}, zap.NewNop())
}

func TestStart_DeniedNeverEntersLive(t *testing.T) {
	device := &fakeDevice{err: errors.New("NotAllowedError: permission denied")}
	c := newTestController(device)

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected acquisition error")
	}
	if c.State() != StateError {
		t.Fatalf("expected error state, got %s", c.State())
	}
	if c.ErrorCause() == "" {
		t.Error("error state must carry a human-readable cause")
	}

	// Only valid recoveries: retry or file upload. Capture must fail.
	if _, err := c.Capture(); err == nil {
		t.Error("capture from error state should fail")
	}

	// Upload path bypasses the state machine.
	var buf bytes.Buffer
	if err := png.Encode(&buf, testImage()); err != nil {
		t.Fatal(err)
	}
	frame, err := c.UploadFile(buf.Bytes())
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if c.State() != StateCaptured {
		t.Errorf("expected captured after upload, got %s", c.State())
	}
	if frame.MIME != "image/png" {
		t.Errorf("expected png mime, got %s", frame.MIME)
	}
}

func TestCaptureFlow_ReleasesStream(t *testing.T) {
	stream := &fakeStream{img: testImage()}
	device := &fakeDevice{stream: stream}
	c := newTestController(device)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if c.State() != StateLive {
		t.Fatalf("expected live, got %s", c.State())
	}

	frame, err := c.Capture()
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if c.State() != StateCaptured {
		t.Fatalf("expected captured, got %s", c.State())
	}
	if stream.closed != 1 {
		t.Errorf("stream must be released exactly once, closed %d times", stream.closed)
	}
	if frame.MIME != "image/jpeg" {
		t.Errorf("capture must be lossy jpeg, got %s", frame.MIME)
	}
	if got := c.CapturedFrame(); got != frame {
		t.Error("captured frame not retained")
	}
	if frame.DataURL()[:23] != "data:image/jpeg;base64," {
		t.Errorf("unexpected data url prefix: %s", frame.DataURL()[:23])
	}
}

func TestRetake_ReleasesAndResets(t *testing.T) {
	stream := &fakeStream{img: testImage()}
	device := &fakeDevice{stream: stream}
	c := newTestController(device)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.Retake()
	if stream.closed != 1 {
		t.Errorf("retake must release the stream, closed %d times", stream.closed)
	}
	if c.State() != StateIdle {
		t.Errorf("expected idle after retake, got %s", c.State())
	}

	// Re-entering the live path opens a fresh stream.
	device.stream = &fakeStream{img: testImage()}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if device.opens != 2 {
		t.Errorf("expected two stream acquisitions, got %d", device.opens)
	}
	c.Shutdown()
	if device.stream.closed != 1 {
		t.Error("shutdown must release the active stream")
	}
}

func TestCapture_OnlyWhileLive(t *testing.T) {
	c := newTestController(&fakeDevice{stream: &fakeStream{img: testImage()}})
	if _, err := c.Capture(); err == nil {
		t.Error("capture from idle should fail")
	}
}

func TestTorch(t *testing.T) {
	stream := &fakeStream{img: testImage(), torch: true}
	c := newTestController(&fakeDevice{stream: stream})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !c.TorchAvailable() {
		t.Fatal("torch should be detected")
	}
	if !c.ToggleTorch() {
		t.Error("expected torch on")
	}
	if c.ToggleTorch() {
		t.Error("expected torch off")
	}

	// Constraint failure is swallowed: state unchanged.
	stream.torchErr = errors.New("constraint not satisfiable")
	if c.ToggleTorch() {
		t.Error("failed toggle must keep previous state")
	}
	if c.State() != StateLive {
		t.Errorf("torch failure is non-fatal, got %s", c.State())
	}
}

func TestTorch_NotExposedWithoutCapability(t *testing.T) {
	stream := &fakeStream{img: testImage(), torch: false}
	c := newTestController(&fakeDevice{stream: stream})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.TorchAvailable() {
		t.Error("torch must not be exposed without capability")
	}
}

func TestFrameReadFailure(t *testing.T) {
	stream := &fakeStream{frameErr: errors.New("track ended")}
	c := newTestController(&fakeDevice{stream: stream})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Capture(); err == nil {
		t.Fatal("expected frame error")
	}
	if c.State() != StateError {
		t.Errorf("expected error state, got %s", c.State())
	}
	if stream.closed != 1 {
		t.Error("stream must be released even when capture fails")
	}
}

func TestProber_ReleasesImmediately(t *testing.T) {
	stream := &fakeStream{img: testImage()}
	device := &fakeDevice{stream: stream}
	if err := (Prober{Device: device}).ProbeCamera(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if stream.closed != 1 {
		t.Errorf("probe must release the stream, closed %d times", stream.closed)
	}
}

func TestUploadFile_RejectsGarbage(t *testing.T) {
	c := newTestController(&fakeDevice{})
	if _, err := c.UploadFile([]byte("not an image")); err == nil {
		t.Error("expected decode error")
	}
	if c.State() != StateIdle {
		t.Errorf("failed upload must not change state, got %s", c.State())
	}
}
