// Package permission tracks camera and geolocation capability state for
// the capture flow. State is a per-capability tri-state plus the last
// known coordinates, persisted in the local key-value store so it
// survives across sessions.
package permission

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowcheck/capture-service/internal/kv"
)

const stateKey = "flowcheck_permissions"

// State is the tri-state permission outcome for one capability.
type State string

const (
	StateGranted State = "granted"
	StateDenied  State = "denied"
	StatePrompt  State = "prompt"
)

// Capability identifies a device capability the capture flow depends on.
type Capability string

const (
	CapabilityCamera   Capability = "camera"
	CapabilityLocation Capability = "location"
)

// Coordinates is a geographic position.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Platform is the device permission surface. QueryPermission may fail on
// platforms without a permission API; the coordinator then falls back to
// its cached state.
type Platform interface {
	QueryPermission(ctx context.Context, cap Capability) (State, error)
	SecureContext() bool
}

// CameraProber acquires and immediately releases a capture stream, which
// forces the platform-level permission prompt.
type CameraProber interface {
	ProbeCamera(ctx context.Context) error
}

// PositionRequest bounds a single-shot geolocation request.
type PositionRequest struct {
	HighAccuracy bool
	MaxAge       time.Duration
}

// Locator produces the current device position.
type Locator interface {
	CurrentPosition(ctx context.Context, req PositionRequest) (Coordinates, error)
}

type persistedState struct {
	Camera       State        `json:"camera,omitempty"`
	Location     State        `json:"location,omitempty"`
	LastLocation *Coordinates `json:"lastLocation,omitempty"`
}

// Coordinator owns permission state for one process.
type Coordinator struct {
	platform Platform
	prober   CameraProber
	locator  Locator
	store    *kv.Store
	log      *zap.Logger

	requestTimeout time.Duration
	maxAge         time.Duration
}

// NewCoordinator creates a coordinator. requestTimeout bounds the
// geolocation request; maxAge is the staleness tolerated for a cached
// platform position.
func NewCoordinator(platform Platform, prober CameraProber, locator Locator, store *kv.Store, requestTimeout, maxAge time.Duration, log *zap.Logger) *Coordinator {
	if requestTimeout <= 0 || requestTimeout > 10*time.Second {
		requestTimeout = 10 * time.Second
	}
	if maxAge <= 0 || maxAge > 5*time.Minute {
		maxAge = 5 * time.Minute
	}
	return &Coordinator{
		platform:       platform,
		prober:         prober,
		locator:        locator,
		store:          store,
		log:            log,
		requestTimeout: requestTimeout,
		maxAge:         maxAge,
	}
}

// Check returns the capability state, preferring a live platform query
// and falling back to the cached value (default prompt) on any failure.
func (c *Coordinator) Check(ctx context.Context, cap Capability) State {
	state, err := c.platform.QueryPermission(ctx, cap)
	if err == nil && validState(state) {
		c.record(cap, state, nil)
		return state
	}
	if err != nil {
		c.log.Debug("permission query unavailable, using cached state",
			zap.String("capability", string(cap)), zap.Error(err))
	}
	return c.cached(cap)
}

// RequestCamera acquires and immediately releases a capture stream to
// force the platform prompt, then records the outcome.
func (c *Coordinator) RequestCamera(ctx context.Context) bool {
	if err := c.prober.ProbeCamera(ctx); err != nil {
		c.log.Info("camera permission denied", zap.Error(err))
		c.record(CapabilityCamera, StateDenied, nil)
		return false
	}
	c.record(CapabilityCamera, StateGranted, nil)
	return true
}

// RequestLocation issues one high-accuracy position request with a
// bounded timeout. On timeout or denial it records denied and returns
// nil; it never hangs.
func (c *Coordinator) RequestLocation(ctx context.Context) *Coordinates {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	type result struct {
		coords Coordinates
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		coords, err := c.locator.CurrentPosition(ctx, PositionRequest{
			HighAccuracy: true,
			MaxAge:       c.maxAge,
		})
		ch <- result{coords, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			c.log.Info("location request failed", zap.Error(r.err))
			c.record(CapabilityLocation, StateDenied, nil)
			return nil
		}
		coords := r.coords
		c.record(CapabilityLocation, StateGranted, &coords)
		return &coords
	case <-ctx.Done():
		// The locator is not trusted to honor the deadline.
		c.log.Info("location request timed out")
		c.record(CapabilityLocation, StateDenied, nil)
		return nil
	}
}

// LastKnownLocation returns the cached coordinates, or nil.
func (c *Coordinator) LastKnownLocation() *Coordinates {
	return c.load().LastLocation
}

// Initialize runs both capability checks concurrently and, on a secure
// context, requests any capability still in prompt state. Idempotent:
// prompts only fire while state is prompt.
func (c *Coordinator) Initialize(ctx context.Context) {
	var cameraState, locationState State

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cameraState = c.Check(gctx, CapabilityCamera)
		return nil
	})
	g.Go(func() error {
		locationState = c.Check(gctx, CapabilityLocation)
		return nil
	})
	_ = g.Wait()

	if !c.platform.SecureContext() {
		return
	}
	if cameraState == StatePrompt {
		c.RequestCamera(ctx)
	}
	if locationState == StatePrompt {
		c.RequestLocation(ctx)
	}
}

func (c *Coordinator) cached(cap Capability) State {
	st := c.load()
	switch cap {
	case CapabilityCamera:
		if validState(st.Camera) {
			return st.Camera
		}
	case CapabilityLocation:
		if validState(st.Location) {
			return st.Location
		}
	}
	return StatePrompt
}

func (c *Coordinator) load() persistedState {
	var st persistedState
	if raw, ok := c.store.Get(stateKey); ok {
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return persistedState{}
		}
	}
	return st
}

func (c *Coordinator) record(cap Capability, state State, coords *Coordinates) {
	st := c.load()
	switch cap {
	case CapabilityCamera:
		st.Camera = state
	case CapabilityLocation:
		st.Location = state
	}
	if coords != nil {
		st.LastLocation = coords
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := c.store.Set(stateKey, string(raw)); err != nil {
		c.log.Warn("failed to persist permission state", zap.Error(err))
	}
}

func validState(s State) bool {
	return s == StateGranted || s == StateDenied || s == StatePrompt
}
