package permission

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flowcheck/capture-service/internal/kv"
)

type fakePlatform struct {
	states  map[Capability]State
	err     error
	secure  bool
	queries int
}

func (p *fakePlatform) QueryPermission(_ context.Context, cap Capability) (State, error) {
	p.queries++
	if p.err != nil {
		return "", p.err
	}
	return p.states[cap], nil
}

func (p *fakePlatform) SecureContext() bool { return p.secure }

type fakeProber struct {
	err    error
	probes int
}

func (p *fakeProber) ProbeCamera(context.Context) error {
	p.probes++
	return p.err
}

type fakeLocator struct {
	coords   Coordinates
	err      error
	delay    time.Duration
	requests int
}

func (l *fakeLocator) CurrentPosition(ctx context.Context, _ PositionRequest) (Coordinates, error) {
	l.requests++
	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return Coordinates{}, ctx.Err()
		}
	}
	return l.coords, l.err
}

func newTestCoordinator(t *testing.T, platform Platform, prober CameraProber, locator Locator) *Coordinator {
	t.Helper()
	store, err := kv.Open(t.TempDir())
	if err != nil {
		t.Fatalf("kv open: %v", err)
	}
	return NewCoordinator(platform, prober, locator, store, time.Second, time.Minute, zap.NewNop())
}

func TestCheck_PrefersLiveQuery(t *testing.T) {
	platform := &fakePlatform{states: map[Capability]State{CapabilityCamera: StateGranted}}
	c := newTestCoordinator(t, platform, &fakeProber{}, &fakeLocator{})

	if got := c.Check(context.Background(), CapabilityCamera); got != StateGranted {
		t.Errorf("expected granted, got %s", got)
	}
}

func TestCheck_FallsBackToCachedOnFailure(t *testing.T) {
	platform := &fakePlatform{states: map[Capability]State{CapabilityCamera: StateDenied}}
	c := newTestCoordinator(t, platform, &fakeProber{}, &fakeLocator{})

	// First check caches the live result.
	c.Check(context.Background(), CapabilityCamera)

	// Platform query now fails; cached value must be used.
	platform.err = errors.New("permissions API unsupported")
	if got := c.Check(context.Background(), CapabilityCamera); got != StateDenied {
		t.Errorf("expected cached denied, got %s", got)
	}
}

func TestCheck_DefaultsToPrompt(t *testing.T) {
	platform := &fakePlatform{err: errors.New("unsupported")}
	c := newTestCoordinator(t, platform, &fakeProber{}, &fakeLocator{})

	if got := c.Check(context.Background(), CapabilityLocation); got != StatePrompt {
		t.Errorf("expected prompt with nothing cached, got %s", got)
	}
}

func TestRequestCamera_RecordsOutcome(t *testing.T) {
	platform := &fakePlatform{err: errors.New("unsupported")}
	prober := &fakeProber{}
	c := newTestCoordinator(t, platform, prober, &fakeLocator{})

	if !c.RequestCamera(context.Background()) {
		t.Fatal("expected grant")
	}
	if prober.probes != 1 {
		t.Errorf("expected one probe, got %d", prober.probes)
	}
	if got := c.Check(context.Background(), CapabilityCamera); got != StateGranted {
		t.Errorf("expected cached granted, got %s", got)
	}

	prober.err = errors.New("NotAllowedError")
	if c.RequestCamera(context.Background()) {
		t.Fatal("expected denial")
	}
	if got := c.Check(context.Background(), CapabilityCamera); got != StateDenied {
		t.Errorf("expected cached denied, got %s", got)
	}
}

func TestRequestLocation_Success(t *testing.T) {
	locator := &fakeLocator{coords: Coordinates{Lat: 51.509865, Lng: -0.118092}}
	c := newTestCoordinator(t, &fakePlatform{err: errors.New("unsupported")}, &fakeProber{}, locator)

	coords := c.RequestLocation(context.Background())
	if coords == nil {
		t.Fatal("expected coordinates")
	}
	if coords.Lat != 51.509865 {
		t.Errorf("unexpected lat %f", coords.Lat)
	}

	last := c.LastKnownLocation()
	if last == nil || last.Lng != -0.118092 {
		t.Errorf("last known location not cached: %+v", last)
	}
	if got := c.Check(context.Background(), CapabilityLocation); got != StateGranted {
		t.Errorf("expected granted, got %s", got)
	}
}

func TestRequestLocation_TimeoutRecordsDenied(t *testing.T) {
	locator := &fakeLocator{delay: 5 * time.Second}
	store, _ := kv.Open(t.TempDir())
	c := NewCoordinator(&fakePlatform{err: errors.New("unsupported")}, &fakeProber{}, locator, store, 20*time.Millisecond, time.Minute, zap.NewNop())

	start := time.Now()
	coords := c.RequestLocation(context.Background())
	if coords != nil {
		t.Fatal("expected nil on timeout")
	}
	if time.Since(start) > time.Second {
		t.Error("request should not hang")
	}
	if got := c.Check(context.Background(), CapabilityLocation); got != StateDenied {
		t.Errorf("expected denied after timeout, got %s", got)
	}
	if c.LastKnownLocation() != nil {
		t.Error("timeout must not record a location")
	}
}

func TestInitialize_RequestsOnlyPromptState(t *testing.T) {
	platform := &fakePlatform{
		secure: true,
		states: map[Capability]State{
			CapabilityCamera:   StatePrompt,
			CapabilityLocation: StateGranted,
		},
	}
	prober := &fakeProber{}
	locator := &fakeLocator{}
	c := newTestCoordinator(t, platform, prober, locator)

	c.Initialize(context.Background())
	if prober.probes != 1 {
		t.Errorf("camera in prompt state should be requested once, got %d", prober.probes)
	}
	if locator.requests != 0 {
		t.Errorf("granted location should not be requested, got %d", locator.requests)
	}

	// Second call: camera is now granted (recorded by the probe), so no
	// further prompts fire.
	platform.states[CapabilityCamera] = StateGranted
	c.Initialize(context.Background())
	if prober.probes != 1 {
		t.Errorf("initialize must be idempotent, got %d probes", prober.probes)
	}
}

func TestInitialize_NoPromptsOnInsecureContext(t *testing.T) {
	platform := &fakePlatform{
		secure: false,
		states: map[Capability]State{
			CapabilityCamera:   StatePrompt,
			CapabilityLocation: StatePrompt,
		},
	}
	prober := &fakeProber{}
	locator := &fakeLocator{}
	c := newTestCoordinator(t, platform, prober, locator)

	c.Initialize(context.Background())
	if prober.probes != 0 || locator.requests != 0 {
		t.Error("insecure context must not trigger permission dialogs")
	}
}
