package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/carewire/telecall/internal/identity"
	"github.com/carewire/telecall/internal/media"
	"github.com/carewire/telecall/internal/signal"
)

var (
	// ErrCallNotActive is returned by Join when the shared record is
	// absent or not marked active. Joining requires a started call.
	ErrCallNotActive = errors.New("call: not active")

	// ErrNotInCall is returned by toggles before an attempt exists.
	ErrNotInCall = errors.New("call: no attempt in progress")

	// ErrBadTransition is returned by user actions the current state
	// rejects (double start, join as initiator, end as joiner).
	ErrBadTransition = errors.New("call: action not valid in current state")
)

// Config carries the lifecycle policy knobs.
type Config struct {
	// ConnectTimeout bounds Starting/Joining; on expiry the attempt is
	// torn down and the coordinator falls back so the user can retry.
	ConnectTimeout time.Duration
	// ReconnectTimeout bounds Reconnecting; on expiry the call ends.
	ReconnectTimeout time.Duration
	Media            media.Config
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   30 * time.Second,
		ReconnectTimeout: 45 * time.Second,
		Media:            media.DefaultConfig(),
	}
}

// Coordinator owns the lifecycle of one call for one local participant.
// All inputs funnel through the pure transition table; the coordinator
// adds the side effects: attempt creation and teardown, timers, presence
// writes and status fan-out. An epoch counter guards against callbacks
// from attempts that have already been replaced.
type Coordinator struct {
	callID  string
	role    identity.Role
	ch      *signal.Channel
	factory AttemptFactory
	cfg     Config

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	epoch     uint64
	attempt   Attempt
	lastRec   *signal.CallRecord
	lastErr   error
	unsubCall signal.Unsubscribe

	connectTimer   *time.Timer
	reconnectTimer *time.Timer

	subs       map[int]func(Status)
	nextSub    int
	lastStatus *Status
}

// NewCoordinator builds a coordinator in the role's resting state and
// subscribes to the shared call record so status reflects the remote side
// before any local action.
func NewCoordinator(store signal.Store, callID string, role identity.Role, factory AttemptFactory, cfg Config) (*Coordinator, error) {
	if !role.Valid() {
		return nil, errors.New("call: invalid role")
	}
	ctx, cancel := context.WithCancel(context.Background())
	co := &Coordinator{
		callID:  callID,
		role:    role,
		ch:      signal.NewChannel(store, callID),
		factory: factory,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		state:   fallback(role),
		subs:    map[int]func(Status){},
	}
	unsub, err := co.ch.SubscribeCall(ctx, co.onRecord)
	if err != nil {
		cancel()
		return nil, err
	}
	co.mu.Lock()
	co.unsubCall = unsub
	co.mu.Unlock()
	return co, nil
}

func (co *Coordinator) CallID() string { return co.callID }

func (co *Coordinator) Role() identity.Role { return co.role }

// State returns the current lifecycle state.
func (co *Coordinator) State() State {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.state
}

// PeerConnection exposes the current attempt's native connection, nil
// when no attempt is live.
func (co *Coordinator) PeerConnection() *webrtc.PeerConnection {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.attempt == nil {
		return nil
	}
	return co.attempt.PeerConnection()
}

// PreviewStream exposes the current attempt's remote-preview stream, nil
// when no attempt is live or the attempt muxes no preview.
func (co *Coordinator) PreviewStream() *media.WebMStream {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.attempt == nil {
		return nil
	}
	return co.attempt.Preview()
}

// Start begins the call as initiator: marks the shared record active and
// launches the first attempt.
func (co *Coordinator) Start(ctx context.Context) error {
	if !co.dispatch(EvUserStart{}) {
		return ErrBadTransition
	}
	return nil
}

// Join joins an active call. It refuses while the shared record is absent
// or inactive; the joiner stays in Waiting and the caller may retry after
// the next status change shows the call active.
func (co *Coordinator) Join(ctx context.Context) error {
	rec, err := co.ch.Call(ctx)
	if errors.Is(err, signal.ErrNotFound) {
		return ErrCallNotActive
	}
	if err != nil {
		return err
	}
	if rec == nil || !rec.Active {
		return ErrCallNotActive
	}
	if !co.dispatch(EvUserJoin{}) {
		return ErrBadTransition
	}
	return nil
}

// Hangup leaves the call for this side only: the local attempt is torn
// down and the local presence flag cleared, but the call stays active so
// the other side can keep waiting or the local user can rejoin.
func (co *Coordinator) Hangup(ctx context.Context) error {
	if !co.dispatch(EvUserHangup{}) {
		return ErrBadTransition
	}
	return nil
}

// End ends the call for both sides. Initiator only.
func (co *Coordinator) End(ctx context.Context) error {
	if !co.dispatch(EvUserEnd{}) {
		return ErrBadTransition
	}
	return nil
}

// ToggleMute flips the local audio mute and mirrors it on the shared
// record. Returns the new muted state.
func (co *Coordinator) ToggleMute(ctx context.Context) (bool, error) {
	co.mu.Lock()
	att := co.attempt
	co.mu.Unlock()
	if att == nil {
		return false, ErrNotInCall
	}
	muted, err := att.SetMuted(!att.Muted())
	if err != nil {
		return muted, err
	}
	field := signal.FieldDoctorMuted
	if co.role == identity.RolePatient {
		field = signal.FieldPatientMuted
	}
	if err := co.ch.SetCallFields(ctx, map[string]any{field: muted}); err != nil {
		return muted, err
	}
	co.publishStatus()
	return muted, nil
}

// ToggleCamera flips the local camera off state and mirrors it on the
// shared record. Returns the new camera-off state.
func (co *Coordinator) ToggleCamera(ctx context.Context) (bool, error) {
	co.mu.Lock()
	att := co.attempt
	co.mu.Unlock()
	if att == nil {
		return false, ErrNotInCall
	}
	off, err := att.SetCameraOff(!att.CameraOff())
	if err != nil {
		return off, err
	}
	field := signal.FieldDoctorCameraOff
	if co.role == identity.RolePatient {
		field = signal.FieldPatientCameraOff
	}
	if err := co.ch.SetCallFields(ctx, map[string]any{field: off}); err != nil {
		return off, err
	}
	co.publishStatus()
	return off, nil
}

// Status returns the current merged view.
func (co *Coordinator) Status() Status {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.buildStatus()
}

// SubscribeStatus registers a status observer and fires it immediately
// with the current view. Notifications are deduplicated: observers only
// see changed snapshots.
func (co *Coordinator) SubscribeStatus(fn func(Status)) signal.Unsubscribe {
	co.mu.Lock()
	id := co.nextSub
	co.nextSub++
	co.subs[id] = fn
	st := co.buildStatus()
	co.mu.Unlock()
	fn(st)
	var once sync.Once
	return func() {
		once.Do(func() {
			co.mu.Lock()
			delete(co.subs, id)
			co.mu.Unlock()
		})
	}
}

// Close force-ends the coordinator without touching the shared active
// flag, as when the user navigates away mid-call. Safe to call twice.
func (co *Coordinator) Close(ctx context.Context) {
	co.dispatch(EvUserHangup{})
	co.mu.Lock()
	unsub := co.unsubCall
	co.unsubCall = nil
	co.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	co.cancel()
}

// dispatch runs one event through the transition table and applies the
// side effects of the edge taken. Returns false when the event does not
// apply in the current state.
func (co *Coordinator) dispatch(ev Event) bool {
	co.mu.Lock()
	next, ok := transition(co.role, co.state, ev)
	if !ok {
		co.mu.Unlock()
		return false
	}
	prev := co.state
	co.state = next
	co.mu.Unlock()

	co.applyEdge(prev, next, ev)
	co.publishStatus()
	return true
}

// applyEdge performs the side effects of one accepted transition. It runs
// without the coordinator lock held: store writes can synchronously
// re-enter via the call-record watcher.
func (co *Coordinator) applyEdge(prev, next State, ev Event) {
	ctx := co.ctx
	switch next {
	case StateStarting:
		co.setLastErr(nil)
		if err := co.ch.SetCallFields(ctx, map[string]any{signal.FieldActive: true}); err != nil {
			co.dispatch(EvAttemptFailed{Err: err})
			return
		}
		co.beginAttempt(co.cfg.ConnectTimeout, func() Event { return EvConnectTimeout{} })

	case StateJoining:
		co.setLastErr(nil)
		co.beginAttempt(co.cfg.ConnectTimeout, func() Event { return EvConnectTimeout{} })

	case StateConnected:
		co.stopTimers()
		co.setLastErr(nil)
		// Re-check right before the write: applyEdge runs unlocked, so an
		// End racing in here could otherwise see its presence clear
		// overwritten on an already-ended record.
		if co.State() != StateConnected {
			return
		}
		if err := co.ch.SetCallFields(ctx, map[string]any{co.presenceField(): true}); err != nil {
			log.Error().Err(err).Str("call", co.callID).Msg("presence write failed")
		}

	case StateReconnecting:
		if _, left := ev.(EvRemoteLeft); left {
			// Remote side hung up but the call is still active: replace
			// the dead attempt with a fresh offer so they can rejoin.
			co.teardownAttempt(ctx)
			co.beginAttempt(co.cfg.ReconnectTimeout, func() Event { return EvReconnectTimeout{} })
		} else if prev != StateReconnecting {
			co.startTimer(&co.reconnectTimer, co.cfg.ReconnectTimeout, co.currentEpoch(), func() Event { return EvReconnectTimeout{} })
		}

	case StateIdle, StateWaiting:
		// Fallback after a failed or timed-out attempt.
		co.stopTimers()
		co.bumpEpoch()
		co.teardownAttempt(ctx)
		switch ev := ev.(type) {
		case EvAttemptFailed:
			co.setLastErr(ev.Err)
		case EvPeerState:
			co.setLastErr(errors.New("call: connection closed before connecting"))
		default:
			co.setLastErr(errors.New("call: connect timed out"))
		}
		if co.role == identity.RoleDoctor {
			// The started call never materialized; clear the flag so a
			// joiner is not invited into nothing. Retrying restores it.
			if err := co.ch.SetCallFields(ctx, map[string]any{signal.FieldActive: false}); err != nil {
				log.Error().Err(err).Str("call", co.callID).Msg("deactivate failed")
			}
		}

	case StateEnded:
		co.stopTimers()
		co.bumpEpoch()
		co.teardownAttempt(ctx)
		co.endWrites(ctx, ev)
	}
}

// endWrites performs the signaling cleanup owed on entering Ended, which
// depends on how the call ended.
func (co *Coordinator) endWrites(ctx context.Context, ev Event) {
	switch ev.(type) {
	case EvRemoteEnded:
		// The ending side clears both presence flags; nothing to write.
		return
	case EvUserHangup:
		if err := co.ch.SetCallFields(ctx, map[string]any{co.presenceField(): false}); err != nil {
			log.Error().Err(err).Str("call", co.callID).Msg("hangup presence write failed")
		}
		return
	}

	// EvUserEnd, reconnect timeout or a closed connection. The joiner
	// only withdraws; the initiator ends the call for both sides and
	// sweeps sessions left behind by an absent peer.
	if co.role == identity.RolePatient {
		if err := co.ch.SetCallFields(ctx, map[string]any{signal.FieldPatientPresent: false}); err != nil {
			log.Error().Err(err).Str("call", co.callID).Msg("leave presence write failed")
		}
		return
	}
	fields := map[string]any{
		signal.FieldActive:         false,
		signal.FieldDoctorPresent:  false,
		signal.FieldPatientPresent: false,
	}
	if err := co.ch.SetCallFields(ctx, fields); err != nil {
		log.Error().Err(err).Str("call", co.callID).Msg("end write failed")
	}
	sessions, err := co.ch.Sessions(ctx)
	if err != nil {
		log.Error().Err(err).Str("call", co.callID).Msg("orphan sweep query failed")
		return
	}
	for _, sess := range sessions {
		if err := co.ch.DeleteSession(ctx, sess.ID); err != nil {
			log.Error().Err(err).Str("call", co.callID).Str("session", sess.ID).Msg("orphan session delete failed")
		}
	}
}

// beginAttempt replaces the current attempt under a fresh epoch and arms
// the supplied deadline.
func (co *Coordinator) beginAttempt(deadline time.Duration, expire func() Event) {
	co.mu.Lock()
	co.epoch++
	epoch := co.epoch
	co.mu.Unlock()

	co.startTimer(&co.connectTimer, deadline, epoch, expire)
	go co.runAttempt(epoch)
}

// runAttempt drives one attempt to completion. Every re-entry into the
// coordinator checks the captured epoch so a replaced attempt cannot
// influence its successor.
func (co *Coordinator) runAttempt(epoch uint64) {
	att, err := co.factory(co.callID, co.ch, co.cfg.Media)
	if err != nil {
		if !co.stale(epoch) {
			log.Error().Err(err).Str("call", co.callID).Msg("attempt setup failed")
			co.dispatch(EvAttemptFailed{Err: err})
		} else if att != nil {
			att.Teardown(co.ctx)
		}
		return
	}

	co.mu.Lock()
	if co.epoch != epoch {
		co.mu.Unlock()
		att.Teardown(co.ctx)
		return
	}
	co.attempt = att
	co.mu.Unlock()

	att.OnConnectionState(func(s webrtc.PeerConnectionState) {
		if co.stale(epoch) {
			return
		}
		log.Debug().Str("call", co.callID).Str("peer_state", s.String()).Msg("connection state")
		co.dispatch(EvPeerState{PeerState: s})
	})
	att.OnNegotiateError(func(err error) {
		if co.stale(epoch) {
			return
		}
		log.Error().Err(err).Str("call", co.callID).Msg("negotiation failed")
		co.dispatch(EvAttemptFailed{Err: err})
	})

	if err := att.Negotiate(co.ctx); err != nil && !co.stale(epoch) {
		log.Error().Err(err).Str("call", co.callID).Msg("negotiation failed")
		co.dispatch(EvAttemptFailed{Err: err})
	}
}

// onRecord reacts to shared call-record changes, deriving the semantic
// edges from consecutive snapshots: the call going inactive means the
// other side ended it, the remote presence flag dropping while the call
// stays active means they left and may rejoin.
func (co *Coordinator) onRecord(rec *signal.CallRecord) {
	co.mu.Lock()
	prev := co.lastRec
	co.lastRec = rec
	co.mu.Unlock()

	if prev != nil && prev.Active && (rec == nil || !rec.Active) {
		co.dispatch(EvRemoteEnded{})
	}
	if rec != nil && rec.Active && prev != nil && prev.Active &&
		co.remotePresent(prev) && !co.remotePresent(rec) {
		co.dispatch(EvRemoteLeft{})
	}
	co.publishStatus()
}

func (co *Coordinator) remotePresent(rec *signal.CallRecord) bool {
	if rec == nil {
		return false
	}
	if co.role == identity.RoleDoctor {
		return rec.Participants.Patient
	}
	return rec.Participants.Doctor
}

func (co *Coordinator) presenceField() string {
	if co.role == identity.RoleDoctor {
		return signal.FieldDoctorPresent
	}
	return signal.FieldPatientPresent
}

// buildStatus merges local and remote views. Caller holds mu.
func (co *Coordinator) buildStatus() Status {
	st := Status{
		CallID: co.callID,
		Role:   co.role,
		State:  co.state,
	}
	if rec := co.lastRec; rec != nil {
		st.Active = rec.Active
		st.RemotePresent = co.remotePresent(rec)
		if co.role == identity.RoleDoctor {
			st.RemoteMuted = rec.PatientMuted
			st.RemoteCameraOff = rec.PatientCameraOff
		} else {
			st.RemoteMuted = rec.DoctorMuted
			st.RemoteCameraOff = rec.DoctorCameraOff
		}
	}
	if co.attempt != nil {
		st.LocalMuted = co.attempt.Muted()
		st.LocalCameraOff = co.attempt.CameraOff()
	}
	if co.lastErr != nil {
		st.Err = co.lastErr.Error()
	}
	return st
}

func (co *Coordinator) publishStatus() {
	co.mu.Lock()
	st := co.buildStatus()
	if co.lastStatus != nil && *co.lastStatus == st {
		co.mu.Unlock()
		return
	}
	co.lastStatus = &st
	fns := make([]func(Status), 0, len(co.subs))
	for _, fn := range co.subs {
		fns = append(fns, fn)
	}
	co.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (co *Coordinator) teardownAttempt(ctx context.Context) {
	co.mu.Lock()
	att := co.attempt
	co.attempt = nil
	co.mu.Unlock()
	if att != nil {
		att.Teardown(ctx)
	}
}

func (co *Coordinator) stale(epoch uint64) bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.epoch != epoch
}

func (co *Coordinator) currentEpoch() uint64 {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.epoch
}

func (co *Coordinator) bumpEpoch() {
	co.mu.Lock()
	co.epoch++
	co.mu.Unlock()
}

func (co *Coordinator) setLastErr(err error) {
	co.mu.Lock()
	co.lastErr = err
	co.mu.Unlock()
}

// startTimer arms *slot with a one-shot timer that dispatches the expiry
// event unless the epoch has moved on. Any previously armed timer in the
// slot is stopped.
func (co *Coordinator) startTimer(slot **time.Timer, d time.Duration, epoch uint64, expire func() Event) {
	co.mu.Lock()
	if *slot != nil {
		(*slot).Stop()
	}
	*slot = time.AfterFunc(d, func() {
		if co.stale(epoch) {
			return
		}
		co.dispatch(expire())
	})
	co.mu.Unlock()
}

func (co *Coordinator) stopTimers() {
	co.mu.Lock()
	if co.connectTimer != nil {
		co.connectTimer.Stop()
		co.connectTimer = nil
	}
	if co.reconnectTimer != nil {
		co.reconnectTimer.Stop()
		co.reconnectTimer = nil
	}
	co.mu.Unlock()
}
