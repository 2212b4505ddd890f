// Package negotiate implements the SDP offer/answer and ICE candidate
// exchange for one peer connection attempt. The role (offerer vs answerer)
// is not persisted anywhere: it is inferred from which party's session
// document appears first in the signaling store, with a deterministic
// tie-break when both parties raced to offer.
package negotiate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/carewire/telecall/internal/signal"
)

// ErrNegotiationFailed wraps SDP application failures (malformed or
// rejected descriptions). The coordinator surfaces it and does not retry.
var ErrNegotiationFailed = errors.New("negotiate: sdp exchange failed")

// Role is the negotiation role an engine ended up with.
type Role int

const (
	RoleUndecided Role = iota
	RoleOfferer
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	default:
		return "undecided"
	}
}

// PeerConnection is the slice of *webrtc.PeerConnection the engine drives.
// Narrowed to an interface so negotiation logic tests run without live ICE.
type PeerConnection interface {
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(func(*webrtc.ICECandidate))
}

// Engine runs the exchange for one attempt. All subscription handles it
// opens are owned by the engine and torn down as one unit; nothing is left
// to garbage collection of closures.
type Engine struct {
	ch        *signal.Channel
	pc        PeerConnection
	sessionID string

	mu             sync.Mutex
	role           Role
	sessionCreated bool
	pendingCands   []webrtc.ICECandidateInit // gathered before our session doc exists
	published      []webrtc.ICECandidateInit // written under the current session doc
	sessionSub     signal.Unsubscribe
	candSubs       map[string]signal.Unsubscribe // sibling session id -> unsubscribe
	applied        map[string]int                // sibling session id -> candidates applied
	answerApplied  bool
	torndown       bool
	onError        func(error)
}

// New creates an engine for one attempt with a freshly generated session id.
func New(ch *signal.Channel, pc PeerConnection) *Engine {
	return &Engine{
		ch:        ch,
		pc:        pc,
		sessionID: uuid.NewString(),
		candSubs:  make(map[string]signal.Unsubscribe),
		applied:   make(map[string]int),
	}
}

// SessionID returns the locally generated session id.
func (e *Engine) SessionID() string { return e.sessionID }

// Role returns the role the engine settled on.
func (e *Engine) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// OnError registers the sink for failures raised by asynchronous watcher
// callbacks after Run has returned.
func (e *Engine) OnError(fn func(error)) {
	e.mu.Lock()
	e.onError = fn
	e.mu.Unlock()
}

// Run performs role inference and the local half of the exchange, then
// leaves watchers in place to finish it. Returns once the local
// description is published.
func (e *Engine) Run(ctx context.Context) error {
	// Candidates can start gathering the moment the local description is
	// set, before our session document exists; buffer until it does.
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		e.emitCandidate(ctx, c.ToJSON())
	})

	sessions, err := e.ch.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("query sessions: %w", err)
	}

	if offer := earliestPending(sessions); offer != nil {
		return e.runAnswerer(ctx, *offer)
	}
	return e.runOfferer(ctx)
}

// earliestPending returns the first session still waiting for an answer,
// in creation order.
func earliestPending(sessions []signal.SessionRecord) *signal.SessionRecord {
	signal.SortSessions(sessions)
	for i := range sessions {
		if sessions[i].Pending() {
			return &sessions[i]
		}
	}
	return nil
}

func (e *Engine) runOfferer(ctx context.Context) error {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", ErrNegotiationFailed, err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local offer: %v", ErrNegotiationFailed, err)
	}

	if err := e.ch.CreateSession(ctx, signal.SessionRecord{ID: e.sessionID, Offer: offer.SDP}); err != nil {
		return fmt.Errorf("publish offer: %w", err)
	}
	e.markSessionCreated(ctx, RoleOfferer)

	log.Debug().
		Str("call_id", e.ch.CallID()).
		Str("session_id", e.sessionID).
		Msg("published offer")

	sub, err := e.ch.SubscribeSessions(ctx, func(sessions []signal.SessionRecord) {
		e.onSessionsChanged(ctx, sessions)
	})
	if err != nil {
		return fmt.Errorf("watch sessions: %w", err)
	}
	e.setSessionSub(sub)
	return nil
}

func (e *Engine) runAnswerer(ctx context.Context, offer signal.SessionRecord) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.Offer}
	if err := e.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("%w: set remote offer: %v", ErrNegotiationFailed, err)
	}

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", ErrNegotiationFailed, err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set local answer: %v", ErrNegotiationFailed, err)
	}

	if err := e.ch.CreateSession(ctx, signal.SessionRecord{ID: e.sessionID, Answer: answer.SDP}); err != nil {
		return fmt.Errorf("publish answer: %w", err)
	}
	e.markSessionCreated(ctx, RoleAnswerer)

	log.Debug().
		Str("call_id", e.ch.CallID()).
		Str("session_id", e.sessionID).
		Str("offer_session", offer.ID).
		Msg("published answer")

	sub, err := e.ch.SubscribeSessions(ctx, func(sessions []signal.SessionRecord) {
		e.onSessionsChanged(ctx, sessions)
	})
	if err != nil {
		return fmt.Errorf("watch sessions: %w", err)
	}
	e.setSessionSub(sub)
	return nil
}

// onSessionsChanged reacts to the session list: it applies an answer
// addressed to our offer, resolves the duplicate-offerer race, and keeps
// candidate subscriptions in step with the sibling set.
func (e *Engine) onSessionsChanged(ctx context.Context, sessions []signal.SessionRecord) {
	e.mu.Lock()
	if e.torndown {
		e.mu.Unlock()
		return
	}
	role := e.role
	e.mu.Unlock()

	signal.SortSessions(sessions)

	if role == RoleOfferer {
		// Duplicate-offerer race: both clients observed "no session" and
		// both published offers. The ordering rule (CreatedAt, then id)
		// picks one winner deterministically on every client; the loser
		// rolls back its offer and answers the winner's instead.
		if winner := earliestPending(sessions); winner != nil && winner.ID != e.sessionID && e.hasOwnPendingOffer(sessions) {
			e.demote(ctx, *winner)
			return
		}

		// Apply the first answer a sibling published for our offer.
		for _, sess := range sessions {
			if sess.ID == e.sessionID || sess.Answer == "" {
				continue
			}
			e.applyAnswer(ctx, sess)
			break
		}
	}

	for _, sess := range sessions {
		if sess.ID == e.sessionID {
			continue
		}
		e.ensureCandidateSub(ctx, sess.ID)
	}
}

func (e *Engine) hasOwnPendingOffer(sessions []signal.SessionRecord) bool {
	for _, sess := range sessions {
		if sess.ID == e.sessionID {
			return sess.Pending()
		}
	}
	return false
}

// applyAnswer sets the sibling's answer as remote description, once.
func (e *Engine) applyAnswer(ctx context.Context, sess signal.SessionRecord) {
	e.mu.Lock()
	if e.answerApplied || e.torndown {
		e.mu.Unlock()
		return
	}
	e.answerApplied = true
	e.mu.Unlock()

	if e.pc.RemoteDescription() != nil {
		return
	}
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sess.Answer}
	if err := e.pc.SetRemoteDescription(remote); err != nil {
		e.fail(fmt.Errorf("%w: set remote answer: %v", ErrNegotiationFailed, err))
		return
	}
	if err := e.ch.UpdateSession(ctx, sess.ID, map[string]any{"connected": true}); err != nil {
		log.Debug().Str("call_id", e.ch.CallID()).Err(err).Msg("ack answer session")
	}
	log.Debug().
		Str("call_id", e.ch.CallID()).
		Str("session_id", e.sessionID).
		Str("answer_session", sess.ID).
		Msg("applied answer")
}

// demote rolls the local offer back and re-runs the answerer path against
// the winning offer. The rolled-back session document is deleted so the
// winner does not try to answer it.
func (e *Engine) demote(ctx context.Context, winner signal.SessionRecord) {
	e.mu.Lock()
	if e.role != RoleOfferer || e.torndown {
		e.mu.Unlock()
		return
	}
	e.role = RoleAnswerer
	oldID := e.sessionID
	e.sessionID = uuid.NewString()
	e.sessionCreated = false
	// Deleting the old session cascades its candidates away, and pion only
	// fires OnICECandidate once per candidate. Re-queue everything already
	// published so the flush republishes it under the answer session.
	e.pendingCands = append(e.published, e.pendingCands...)
	e.published = nil
	e.mu.Unlock()

	log.Info().
		Str("call_id", e.ch.CallID()).
		Str("lost_session", oldID).
		Str("winner_session", winner.ID).
		Msg("offer race lost, demoting to answerer")

	if err := e.ch.DeleteSession(ctx, oldID); err != nil {
		log.Debug().Str("call_id", e.ch.CallID()).Err(err).Msg("delete demoted session")
	}

	rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
	if err := e.pc.SetLocalDescription(rollback); err != nil {
		e.fail(fmt.Errorf("%w: rollback local offer: %v", ErrNegotiationFailed, err))
		return
	}

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: winner.Offer}
	if err := e.pc.SetRemoteDescription(remote); err != nil {
		e.fail(fmt.Errorf("%w: set remote offer: %v", ErrNegotiationFailed, err))
		return
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		e.fail(fmt.Errorf("%w: create answer: %v", ErrNegotiationFailed, err))
		return
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		e.fail(fmt.Errorf("%w: set local answer: %v", ErrNegotiationFailed, err))
		return
	}
	if err := e.ch.CreateSession(ctx, signal.SessionRecord{ID: e.currentSessionID(), Answer: answer.SDP}); err != nil {
		e.fail(fmt.Errorf("publish answer after demotion: %w", err))
		return
	}
	e.markSessionCreated(ctx, RoleAnswerer)
}

func (e *Engine) currentSessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// ensureCandidateSub subscribes to a sibling session's candidate list once
// and applies each newly observed candidate.
func (e *Engine) ensureCandidateSub(ctx context.Context, sessionID string) {
	e.mu.Lock()
	if e.torndown {
		e.mu.Unlock()
		return
	}
	if _, ok := e.candSubs[sessionID]; ok {
		e.mu.Unlock()
		return
	}
	// Reserve the slot before subscribing: the immediate snapshot callback
	// re-enters before Subscribe returns.
	e.candSubs[sessionID] = func() {}
	e.mu.Unlock()

	sub, err := e.ch.SubscribeCandidates(ctx, sessionID, func(cands []signal.CandidateRecord) {
		e.onCandidates(sessionID, cands)
	})
	if err != nil {
		e.mu.Lock()
		delete(e.candSubs, sessionID)
		e.mu.Unlock()
		e.fail(fmt.Errorf("watch candidates: %w", err))
		return
	}

	e.mu.Lock()
	if e.torndown {
		e.mu.Unlock()
		sub()
		return
	}
	e.candSubs[sessionID] = sub
	e.mu.Unlock()
}

// onCandidates applies candidates past the count already handled for this
// sibling. Candidate lists are append-only, so an index is a sufficient
// cursor.
func (e *Engine) onCandidates(sessionID string, cands []signal.CandidateRecord) {
	e.mu.Lock()
	start := e.applied[sessionID]
	if start > len(cands) {
		start = len(cands)
	}
	fresh := cands[start:]
	e.applied[sessionID] = len(cands)
	torndown := e.torndown
	e.mu.Unlock()
	if torndown {
		return
	}

	for _, cand := range fresh {
		if err := e.pc.AddICECandidate(cand.ICE()); err != nil {
			log.Warn().
				Str("call_id", e.ch.CallID()).
				Str("session_id", sessionID).
				Err(err).
				Msg("add remote candidate")
		}
	}
}

// emitCandidate publishes a locally gathered candidate, buffering it while
// our session document does not exist yet.
func (e *Engine) emitCandidate(ctx context.Context, init webrtc.ICECandidateInit) {
	e.mu.Lock()
	if e.torndown {
		e.mu.Unlock()
		return
	}
	if !e.sessionCreated {
		e.pendingCands = append(e.pendingCands, init)
		e.mu.Unlock()
		return
	}
	e.published = append(e.published, init)
	sid := e.sessionID
	e.mu.Unlock()

	if err := e.ch.AddCandidate(ctx, sid, signal.CandidateFromICE(init)); err != nil {
		e.fail(fmt.Errorf("publish candidate: %w", err))
	}
}

// markSessionCreated flips the buffer gate and flushes candidates gathered
// while the session document did not exist.
func (e *Engine) markSessionCreated(ctx context.Context, role Role) {
	e.mu.Lock()
	e.sessionCreated = true
	e.role = role
	buffered := e.pendingCands
	e.pendingCands = nil
	e.published = append(e.published, buffered...)
	sid := e.sessionID
	e.mu.Unlock()

	for _, init := range buffered {
		if err := e.ch.AddCandidate(ctx, sid, signal.CandidateFromICE(init)); err != nil {
			e.fail(fmt.Errorf("publish buffered candidate: %w", err))
			return
		}
	}
}

func (e *Engine) fail(err error) {
	e.mu.Lock()
	fn := e.onError
	torndown := e.torndown
	e.mu.Unlock()
	if torndown {
		return
	}
	log.Warn().Str("call_id", e.ch.CallID()).Err(err).Msg("negotiation error")
	if fn != nil {
		fn(err)
	}
}

// Teardown cancels every subscription the engine opened and deletes the
// local session document (cascading its candidates). Only the creating
// client ever deletes its session. Idempotent.
func (e *Engine) Teardown(ctx context.Context) {
	e.mu.Lock()
	if e.torndown {
		e.mu.Unlock()
		return
	}
	e.torndown = true
	sessionSub := e.sessionSub
	subs := make([]signal.Unsubscribe, 0, len(e.candSubs))
	for _, sub := range e.candSubs {
		subs = append(subs, sub)
	}
	e.candSubs = map[string]signal.Unsubscribe{}
	created := e.sessionCreated
	sid := e.sessionID
	e.mu.Unlock()

	if sessionSub != nil {
		sessionSub()
	}
	for _, sub := range subs {
		sub()
	}
	if created {
		if err := e.ch.DeleteSession(ctx, sid); err != nil {
			log.Warn().Str("call_id", e.ch.CallID()).Str("session_id", sid).Err(err).Msg("delete own session")
		}
	}
}

func (e *Engine) setSessionSub(sub signal.Unsubscribe) {
	e.mu.Lock()
	if e.torndown {
		e.mu.Unlock()
		sub()
		return
	}
	e.sessionSub = sub
	e.mu.Unlock()
}
