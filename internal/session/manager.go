package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowcheck/capture-service/internal/identity"
	"github.com/flowcheck/capture-service/internal/reading"
)

// Manager binds sessions to the identity stream: sign-in creates a
// session context, sign-out tears it down. Stale callbacks from a
// previous identity are cut off by unsubscribing before the next
// session starts.
type Manager struct {
	provider identity.Provider
	admins   identity.Admins
	deps     Config
	base     *zap.Logger

	mu            sync.Mutex
	current       *active
	unsubIdentity func()
}

// active is the state held for one signed-in identity.
type active struct {
	session *Session

	mu       sync.Mutex
	readings []reading.MeterReading
	unsub    func()
}

func (a *active) history() []reading.MeterReading {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.readings
}

// NewManager wires the manager. deps.History is overwritten per sign-in
// with the live reading list of that identity's subscription.
func NewManager(provider identity.Provider, admins identity.Admins, deps Config, base *zap.Logger) *Manager {
	return &Manager{provider: provider, admins: admins, deps: deps, base: base}
}

// Run starts listening to identity changes. The provider delivers the
// current identity immediately, so a user already signed in gets a
// session before Run returns.
func (m *Manager) Run(ctx context.Context) {
	m.mu.Lock()
	if m.unsubIdentity != nil {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	// Subscribe delivers the current identity synchronously, so the lock
	// cannot be held across this call.
	unsub := m.provider.Subscribe(func(u *identity.User) {
		m.onIdentity(ctx, u)
	})

	m.mu.Lock()
	m.unsubIdentity = unsub
	m.mu.Unlock()
}

// Current returns the session for the signed-in user, nil when signed
// out.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return m.current.session
}

// Close tears down the identity subscription and any active session.
func (m *Manager) Close() {
	m.mu.Lock()
	unsub := m.unsubIdentity
	m.unsubIdentity = nil
	m.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	m.mu.Lock()
	m.teardownLocked()
	m.mu.Unlock()
}

func (m *Manager) onIdentity(ctx context.Context, u *identity.User) {
	m.mu.Lock()

	m.teardownLocked()

	if u == nil {
		m.mu.Unlock()
		m.base.Info("signed out, session closed")
		return
	}

	info := identity.Snapshot(*u, m.admins)
	sc := NewContext(uuid.New().String(), info, m.base)

	act := &active{}
	deps := m.deps
	deps.History = act.history
	act.session = New(sc, deps)

	act.unsub = deps.Store.Subscribe(func(rs []reading.MeterReading) {
		act.mu.Lock()
		act.readings = rs
		act.mu.Unlock()
	})

	m.current = act
	m.mu.Unlock()

	sc.Logger.Info("session started", zap.Bool("admin", info.IsAdmin))

	// The permission prompt can block for seconds; Current and Close must
	// stay responsive while it is up.
	if deps.Permissions != nil {
		deps.Permissions.Initialize(ctx)
	}

	if info.IsAdmin {
		// One shot per sign-in; the migration itself is idempotent.
		go func() {
			n, err := deps.Store.MigrateOrphanedReadings(ctx, info)
			if err != nil {
				sc.Logger.Error("orphaned reading migration failed", zap.Error(err))
				return
			}
			if n > 0 {
				sc.Logger.Info("orphaned readings migrated", zap.Int("count", n))
			}
		}()
	}
}

// teardownLocked ends the active session and cuts its store
// subscription. Callers hold m.mu.
func (m *Manager) teardownLocked() {
	if m.current == nil {
		return
	}
	if m.current.unsub != nil {
		m.current.unsub()
	}
	m.current.session.End()
	m.current = nil
}
