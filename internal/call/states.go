// Package call runs the per-client lifecycle of one consultation call: the
// state machine reacting to peer-connection transitions, remote call-record
// changes and user actions, and the teardown that must not leak peer
// connections, subscriptions or signaling documents.
package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/carewire/telecall/internal/identity"
)

// State is the lifecycle state a local coordinator is in. The initiator
// (doctor) moves Idle→Starting; the joiner (patient) Waiting→Joining; the
// rest of the shape is shared.
type State int

const (
	StateIdle State = iota
	StateWaiting
	StateStarting
	StateJoining
	StateConnected
	StateReconnecting
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateStarting:
		return "starting"
	case StateJoining:
		return "joining"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state as its name so status serialization is
// readable on the wire.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Event is a tagged input to the transition function. Keeping the
// transition pure makes the machine testable without a live peer
// connection.
type Event interface{ isEvent() }

// EvUserStart is the initiator's explicit start.
type EvUserStart struct{}

// EvUserJoin is the joiner's explicit join action. A human click is
// required; the joiner never auto-joins.
type EvUserJoin struct{}

// EvPeerState carries a native peer-connection state change.
type EvPeerState struct{ PeerState webrtc.PeerConnectionState }

// EvRemoteEnded fires when the shared call record's active flag
// transitions from true to false (the other side ended the call).
type EvRemoteEnded struct{}

// EvRemoteLeft fires when the remote participant's presence flag
// transitions from true to false while the call stays active. The
// initiator reacts by renegotiating a fresh attempt so the remote party
// can rejoin.
type EvRemoteLeft struct{}

// EvUserHangup leaves the call without ending it for the other side.
type EvUserHangup struct{}

// EvUserEnd is the initiator-only end-call action.
type EvUserEnd struct{}

// EvConnectTimeout fires when Starting/Joining never reached Connected.
type EvConnectTimeout struct{}

// EvReconnectTimeout fires when Reconnecting persisted past the limit.
type EvReconnectTimeout struct{}

// EvAttemptFailed carries a media-acquisition or negotiation failure.
type EvAttemptFailed struct{ Err error }

func (EvUserStart) isEvent()        {}
func (EvUserJoin) isEvent()         {}
func (EvPeerState) isEvent()        {}
func (EvRemoteEnded) isEvent()      {}
func (EvRemoteLeft) isEvent()       {}
func (EvUserHangup) isEvent()       {}
func (EvUserEnd) isEvent()          {}
func (EvConnectTimeout) isEvent()   {}
func (EvReconnectTimeout) isEvent() {}
func (EvAttemptFailed) isEvent()    {}

// fallback is where a failed attempt returns to.
func fallback(role identity.Role) State {
	if role == identity.RoleDoctor {
		return StateIdle
	}
	return StateWaiting
}

// transition is the pure state machine. It returns the next state and
// whether the event applies at all in the current state; side effects
// (timers, presence writes, teardown) are the coordinator's job, keyed off
// the states entered and left.
func transition(role identity.Role, s State, ev Event) (State, bool) {
	if s == StateEnded {
		return s, false
	}

	switch ev := ev.(type) {
	case EvUserStart:
		if role == identity.RoleDoctor && s == StateIdle {
			return StateStarting, true
		}
	case EvUserJoin:
		if role == identity.RolePatient && s == StateWaiting {
			return StateJoining, true
		}
	case EvPeerState:
		switch ev.PeerState {
		case webrtc.PeerConnectionStateConnected:
			if s == StateStarting || s == StateJoining || s == StateReconnecting {
				return StateConnected, true
			}
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			if s == StateConnected {
				return StateReconnecting, true
			}
		case webrtc.PeerConnectionStateClosed:
			if s == StateStarting || s == StateJoining {
				// The attempt was torn down locally before it ever
				// connected; fall back now instead of waiting out the
				// connect timer.
				return fallback(role), true
			}
			if s == StateConnected || s == StateReconnecting {
				return StateEnded, true
			}
		}
	case EvRemoteEnded:
		return StateEnded, true
	case EvRemoteLeft:
		// The initiator republishes an offer for the rejoin; until it
		// connects the call shows as reconnecting.
		if role == identity.RoleDoctor && (s == StateConnected || s == StateReconnecting) {
			return StateReconnecting, true
		}
	case EvUserHangup:
		return StateEnded, true
	case EvUserEnd:
		if role == identity.RoleDoctor {
			return StateEnded, true
		}
	case EvConnectTimeout:
		if s == StateStarting || s == StateJoining {
			return fallback(role), true
		}
	case EvReconnectTimeout:
		if s == StateReconnecting {
			return StateEnded, true
		}
	case EvAttemptFailed:
		if s == StateStarting || s == StateJoining {
			return fallback(role), true
		}
	}
	return s, false
}
