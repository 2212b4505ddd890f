// Package signal defines the document-level signaling primitives the call
// core uses to exchange SDP and ICE between the two parties of a
// consultation. The backing database is abstracted behind Store; the call
// core treats it as an opaque merge-write KV store with change
// subscriptions. Concrete backends live in the subpackages memory, sqlite
// and mongo.
package signal

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrNotFound is returned when a call or session document does not exist.
	ErrNotFound = errors.New("signal: not found")

	// ErrSessionExists is returned when creating a session under an id that
	// is already taken. Session ids are random, so hitting this means a bug
	// or an id collision, not a normal race.
	ErrSessionExists = errors.New("signal: session already exists")

	// ErrCallInProgress is returned by DeleteCall while the call record is
	// still marked active. Appointment completion must not wipe signaling
	// state under a live call.
	ErrCallInProgress = errors.New("signal: call still in progress")
)

// Merge-write field paths for the call record. Nested paths use the dotted
// form so backends with native partial updates (mongo) can apply them
// directly.
const (
	FieldActive           = "active"
	FieldDoctorPresent    = "participants.doctor"
	FieldPatientPresent   = "participants.patient"
	FieldDoctorMuted      = "doctorMuted"
	FieldPatientMuted     = "patientMuted"
	FieldDoctorCameraOff  = "doctorCameraOff"
	FieldPatientCameraOff = "patientCameraOff"
)

// Participants holds the per-role liveness flags of a call record.
type Participants struct {
	Doctor  bool `json:"doctor" bson:"doctor"`
	Patient bool `json:"patient" bson:"patient"`
}

// CallRecord is the shared document representing one consultation's live
// call state. Both parties merge-write individual fields; each boolean
// field has exactly one logical writer, so last-write-wins is safe.
type CallRecord struct {
	Active           bool         `json:"active" bson:"active"`
	Participants     Participants `json:"participants" bson:"participants"`
	DoctorMuted      bool         `json:"doctorMuted" bson:"doctorMuted"`
	PatientMuted     bool         `json:"patientMuted" bson:"patientMuted"`
	DoctorCameraOff  bool         `json:"doctorCameraOff" bson:"doctorCameraOff"`
	PatientCameraOff bool         `json:"patientCameraOff" bson:"patientCameraOff"`
}

// SessionRecord is one party's signaling document for a single peer
// connection attempt. It holds either an offer or an answer, never both.
// CreatedAt orders sessions so "the earliest pending offer" is
// well-defined; backends assign it server-side where they can.
type SessionRecord struct {
	ID        string    `json:"id" bson:"session_id"`
	Offer     string    `json:"offer,omitempty" bson:"offer,omitempty"`
	Answer    string    `json:"answer,omitempty" bson:"answer,omitempty"`
	Connected bool      `json:"connected,omitempty" bson:"connected"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
}

// Pending reports whether the session is an offer still waiting for an
// answer from the other side.
func (s SessionRecord) Pending() bool {
	return s.Offer != "" && s.Answer == ""
}

// CandidateRecord is one ICE candidate, stored append-only under its
// session. The shape mirrors webrtc.ICECandidateInit field for field.
type CandidateRecord struct {
	Candidate        string  `json:"candidate" bson:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty" bson:"sdp_mid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty" bson:"sdp_m_line_index,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty" bson:"username_fragment,omitempty"`
}

// CandidateFromICE converts a locally gathered candidate for storage.
func CandidateFromICE(init webrtc.ICECandidateInit) CandidateRecord {
	return CandidateRecord{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

// ICE converts a stored candidate back to the form the peer connection
// accepts.
func (c CandidateRecord) ICE() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Unsubscribe cancels a watch. Safe to call more than once.
type Unsubscribe func()

// Store is the document-database surface the call core needs: call-record
// merge writes, session/candidate CRUD and change subscriptions. Every
// write is visible to all watchers of the same call id. Watch callbacks
// fire once immediately with current state (nil / empty for documents that
// do not exist yet) and again on every change. No ordering guarantee holds
// across distinct fields written in separate calls.
//
// Stores do not retry: connectivity and permission failures from the
// backend propagate unchanged.
type Store interface {
	// MergeCall merge-writes the given field paths into the call record,
	// creating it if absent. Unrelated fields are never touched.
	MergeCall(ctx context.Context, callID string, fields map[string]any) error

	// GetCall returns the current call record, or ErrNotFound.
	GetCall(ctx context.Context, callID string) (*CallRecord, error)

	// WatchCall invokes fn with the current record (nil when the call has
	// not been started) and again on every remote change.
	WatchCall(ctx context.Context, callID string, fn func(*CallRecord)) (Unsubscribe, error)

	// DeleteCall removes the call record and all subordinate sessions and
	// candidates. Returns ErrCallInProgress while the record is active.
	DeleteCall(ctx context.Context, callID string) error

	// CreateSession stores a new session document. CreatedAt is assigned by
	// the store; the value in sess is ignored.
	CreateSession(ctx context.Context, callID string, sess SessionRecord) error

	// UpdateSession merge-writes fields ("answer", "connected") into an
	// existing session. Returns ErrNotFound if the session is gone.
	UpdateSession(ctx context.Context, callID, sessionID string, fields map[string]any) error

	// Sessions returns the current session list ordered by creation time
	// (ties by id). The negotiation engine's role inference reads this once
	// before deciding to offer or answer.
	Sessions(ctx context.Context, callID string) ([]SessionRecord, error)

	// WatchSessions invokes fn with the full ordered session list for the
	// call, immediately and on every change.
	WatchSessions(ctx context.Context, callID string, fn func([]SessionRecord)) (Unsubscribe, error)

	// AddCandidate appends one ICE candidate under the given session.
	AddCandidate(ctx context.Context, callID, sessionID string, cand CandidateRecord) error

	// WatchCandidates invokes fn with the full candidate list of one
	// session, immediately and on every append. Candidates are append-only,
	// so successive snapshots only ever grow.
	WatchCandidates(ctx context.Context, callID, sessionID string, fn func([]CandidateRecord)) (Unsubscribe, error)

	// DeleteSession removes a session document and cascades to its
	// candidates. Deleting an absent session is a no-op.
	DeleteSession(ctx context.Context, callID, sessionID string) error

	// Close releases backend resources and cancels all watches.
	Close() error
}

// SortSessions orders sessions by creation time, ties broken by
// lexicographic session id. This is the application-level ordering
// invariant behind "the earliest pending session is the offer to answer":
// two sessions created within the same clock tick on different clients
// still order deterministically, and both clients agree on the winner.
func SortSessions(sessions []SessionRecord) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
}
