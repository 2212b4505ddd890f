package call

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/carewire/telecall/internal/identity"
	"github.com/carewire/telecall/internal/media"
	"github.com/carewire/telecall/internal/signal"
)

// ErrNoIdentity is returned when no authenticated identity is available.
var ErrNoIdentity = errors.New("call: no identity")

// Manager owns at most one live coordinator per call id and enforces the
// navigation rule: attaching to a call tears down coordinators for every
// other call first, so a client can never hold two peer connections.
type Manager struct {
	store   signal.Store
	ids     identity.Provider
	factory AttemptFactory
	cfgFn   func() Config

	mu     sync.Mutex
	coords map[string]*Coordinator
	closed bool
}

// NewManager builds a manager. A nil factory means live attempts; a nil
// cfgFn means the default policy. cfgFn is consulted per coordinator so a
// reloaded configuration applies to the next call.
func NewManager(store signal.Store, ids identity.Provider, factory AttemptFactory, cfgFn func() Config) *Manager {
	if factory == nil {
		factory = LiveAttempts()
	}
	if cfgFn == nil {
		cfgFn = DefaultConfig
	}
	return &Manager{
		store:   store,
		ids:     ids,
		factory: factory,
		cfgFn:   cfgFn,
		coords:  map[string]*Coordinator{},
	}
}

// Handle is the per-call surface handed to callers.
type Handle struct {
	co *Coordinator
}

func (h *Handle) CallID() string                         { return h.co.CallID() }
func (h *Handle) Status() Status                         { return h.co.Status() }
func (h *Handle) State() State                           { return h.co.State() }
func (h *Handle) PeerConnection() *webrtc.PeerConnection { return h.co.PeerConnection() }

func (h *Handle) SubscribeStatus(fn func(Status)) signal.Unsubscribe {
	return h.co.SubscribeStatus(fn)
}

func (h *Handle) PreviewStream() *media.WebMStream { return h.co.PreviewStream() }

// Lookup returns the handle for an already-attached call.
func (m *Manager) Lookup(callID string) (*Handle, bool) {
	co, ok := m.lookup(callID)
	if !ok {
		return nil, false
	}
	return &Handle{co: co}, true
}

// StartCall starts a call as the initiator and returns its handle.
func (m *Manager) StartCall(ctx context.Context, callID string) (*Handle, error) {
	co, err := m.attach(ctx, callID)
	if err != nil {
		return nil, err
	}
	if err := co.Start(ctx); err != nil {
		return nil, err
	}
	return &Handle{co: co}, nil
}

// JoinCall joins an active call as the joiner and returns its handle.
// This is the explicit join action; use Watch to observe a call before
// joining.
func (m *Manager) JoinCall(ctx context.Context, callID string) (*Handle, error) {
	co, err := m.attach(ctx, callID)
	if err != nil {
		return nil, err
	}
	if err := co.Join(ctx); err != nil {
		return nil, err
	}
	return &Handle{co: co}, nil
}

// Watch attaches to a call without acting on it, so a joiner can render
// the waiting view and react when the call goes active.
func (m *Manager) Watch(ctx context.Context, callID string) (*Handle, error) {
	co, err := m.attach(ctx, callID)
	if err != nil {
		return nil, err
	}
	return &Handle{co: co}, nil
}

// EndCall ends the call for both sides. Initiator only.
func (m *Manager) EndCall(ctx context.Context, callID string) error {
	co, ok := m.lookup(callID)
	if !ok {
		return ErrNotInCall
	}
	return co.End(ctx)
}

// Hangup leaves the call locally without ending it for the other side.
func (m *Manager) Hangup(ctx context.Context, callID string) error {
	co, ok := m.lookup(callID)
	if !ok {
		return ErrNotInCall
	}
	return co.Hangup(ctx)
}

// ToggleMute flips local audio for the call, returning the new state.
func (m *Manager) ToggleMute(ctx context.Context, callID string) (bool, error) {
	co, ok := m.lookup(callID)
	if !ok {
		return false, ErrNotInCall
	}
	return co.ToggleMute(ctx)
}

// ToggleCamera flips the local camera for the call, returning the new
// state.
func (m *Manager) ToggleCamera(ctx context.Context, callID string) (bool, error) {
	co, ok := m.lookup(callID)
	if !ok {
		return false, ErrNotInCall
	}
	return co.ToggleCamera(ctx)
}

// SubscribeStatus attaches to the call and registers a status observer.
func (m *Manager) SubscribeStatus(ctx context.Context, callID string, fn func(Status)) (signal.Unsubscribe, error) {
	co, err := m.attach(ctx, callID)
	if err != nil {
		return nil, err
	}
	return co.SubscribeStatus(fn), nil
}

// CompleteAppointment removes the call's signaling documents once the
// consultation is over. Refused while the call is still live locally or
// marked active in the store.
func (m *Manager) CompleteAppointment(ctx context.Context, callID string) error {
	if co, ok := m.lookup(callID); ok {
		switch co.State() {
		case StateEnded, StateIdle, StateWaiting:
		default:
			return signal.ErrCallInProgress
		}
	}
	return m.store.DeleteCall(ctx, callID)
}

// Close hangs up and releases every coordinator.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	coords := make([]*Coordinator, 0, len(m.coords))
	for _, co := range m.coords {
		coords = append(coords, co)
	}
	m.coords = map[string]*Coordinator{}
	m.mu.Unlock()
	for _, co := range coords {
		co.Close(ctx)
	}
}

// attach returns the live coordinator for callID, creating it if needed.
// Coordinators for other calls, and an ended coordinator for this call,
// are closed first: each navigation starts from clean local state.
func (m *Manager) attach(ctx context.Context, callID string) (*Coordinator, error) {
	id, ok := m.ids.Current()
	if !ok {
		return nil, ErrNoIdentity
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("call: manager closed")
	}
	var stale []*Coordinator
	for otherID, co := range m.coords {
		if otherID != callID || co.State() == StateEnded {
			stale = append(stale, co)
			delete(m.coords, otherID)
		}
	}
	co := m.coords[callID]
	m.mu.Unlock()

	for _, old := range stale {
		log.Debug().Str("call", old.CallID()).Msg("closing superseded coordinator")
		old.Close(ctx)
	}
	if co != nil {
		return co, nil
	}

	co, err := NewCoordinator(m.store, callID, id.Role, m.factory, m.cfgFn())
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if existing := m.coords[callID]; existing != nil {
		m.mu.Unlock()
		co.Close(ctx)
		return existing, nil
	}
	m.coords[callID] = co
	m.mu.Unlock()
	return co, nil
}

func (m *Manager) lookup(callID string) (*Coordinator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	co, ok := m.coords[callID]
	return co, ok
}
