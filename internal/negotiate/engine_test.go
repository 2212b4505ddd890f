package negotiate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carewire/telecall/internal/signal"
	"github.com/carewire/telecall/internal/signal/memory"
)

// fakePC records every description and candidate the engine pushes at it.
type fakePC struct {
	name string

	mu          sync.Mutex
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	rollbacks   int
	added       []webrtc.ICECandidateInit
	onCandidate func(*webrtc.ICECandidate)

	// gatherOnLocal, when set, fires one host candidate from inside
	// SetLocalDescription, before the engine has published its session.
	gatherOnLocal bool
}

func (f *fakePC) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + f.name}, nil
}

func (f *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + f.name}, nil
}

func (f *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	if desc.Type == webrtc.SDPTypeRollback {
		f.rollbacks++
		f.local = nil
	} else {
		f.local = &desc
	}
	fire := f.gatherOnLocal && desc.Type == webrtc.SDPTypeOffer
	handler := f.onCandidate
	f.mu.Unlock()

	if fire && handler != nil {
		handler(&webrtc.ICECandidate{
			Foundation: "gathered-early",
			Priority:   1,
			Address:    "192.0.2.1",
			Protocol:   webrtc.ICEProtocolUDP,
			Port:       50000,
			Typ:        webrtc.ICECandidateTypeHost,
			Component:  1,
		})
	}
	return nil
}

func (f *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = &desc
	return nil
}

func (f *fakePC) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakePC) AddICECandidate(init webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, init)
	return nil
}

func (f *fakePC) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = fn
}

func (f *fakePC) remoteSDP() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return ""
	}
	return f.remote.SDP
}

func (f *fakePC) addedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.added)
}

// blindStore hides the session list from exactly one Sessions call, making
// a client offer even though a sibling offer already exists.
type blindStore struct {
	signal.Store
	mu    sync.Mutex
	blind bool
}

func (b *blindStore) Sessions(ctx context.Context, callID string) ([]signal.SessionRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.blind {
		b.blind = false
		return nil, nil
	}
	return b.Store.Sessions(ctx, callID)
}

func newTestEngine(t *testing.T, store signal.Store, name string) (*Engine, *fakePC) {
	t.Helper()
	pc := &fakePC{name: name}
	eng := New(signal.NewChannel(store, "call-1"), pc)
	t.Cleanup(func() { eng.Teardown(context.Background()) })
	return eng, pc
}

func TestOffererWhenNoSessions(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	eng, pc := newTestEngine(t, store, "a")
	require.NoError(t, eng.Run(ctx))
	assert.Equal(t, RoleOfferer, eng.Role())

	sessions, err := store.Sessions(ctx, "call-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, eng.SessionID(), sessions[0].ID)
	assert.Equal(t, "offer-a", sessions[0].Offer)
	assert.False(t, sessions[0].CreatedAt.IsZero())
	assert.Nil(t, pc.remote)
}

func TestAnswererWhenOfferPending(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.CreateSession(ctx, "call-1", signal.SessionRecord{ID: "remote", Offer: "remote-offer"}))

	eng, pc := newTestEngine(t, store, "b")
	require.NoError(t, eng.Run(ctx))
	assert.Equal(t, RoleAnswerer, eng.Role())
	assert.Equal(t, "remote-offer", pc.remoteSDP())

	sessions, err := store.Sessions(ctx, "call-1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "answer-b", sessions[1].Answer)
	assert.Empty(t, sessions[1].Offer)
}

func TestOfferAnswerHandshake(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	offerer, opc := newTestEngine(t, store, "a")
	require.NoError(t, offerer.Run(ctx))

	answerer, _ := newTestEngine(t, store, "b")
	require.NoError(t, answerer.Run(ctx))

	// The memory store notifies watchers synchronously, so by now the
	// offerer has seen and applied the answer.
	assert.Equal(t, "answer-b", opc.remoteSDP())

	sessions, err := store.Sessions(ctx, "call-1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.True(t, sessions[1].Connected, "offerer acks the applied answer")
}

func TestDuplicateOffererDemotes(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	first, fpc := newTestEngine(t, store, "a")
	require.NoError(t, first.Run(ctx))

	// Distinct creation times keep the winner deterministic here.
	time.Sleep(2 * time.Millisecond)

	blind := &blindStore{Store: store, blind: true}
	second, spc := newTestEngine(t, blind, "b")
	loserOffer := second.SessionID()
	require.NoError(t, second.Run(ctx))

	// The later offerer loses, rolls back and answers the winner's offer.
	assert.Equal(t, RoleAnswerer, second.Role())
	assert.Equal(t, 1, spc.rollbacks)
	assert.Equal(t, "offer-a", spc.remoteSDP())
	assert.NotEqual(t, loserOffer, second.SessionID())

	// The first offerer keeps its role and ends up with the answer applied.
	assert.Equal(t, RoleOfferer, first.Role())
	assert.Equal(t, "answer-b", fpc.remoteSDP())

	sessions, err := store.Sessions(ctx, "call-1")
	require.NoError(t, err)
	require.Len(t, sessions, 2, "the rolled-back offer is deleted")
	assert.Equal(t, first.SessionID(), sessions[0].ID)
	assert.Equal(t, "answer-b", sessions[1].Answer)
}

func TestDemotionRepublishesGatheredCandidates(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	first, _ := newTestEngine(t, store, "a")
	require.NoError(t, first.Run(ctx))

	time.Sleep(2 * time.Millisecond)

	// The loser gathers a host candidate during its doomed offer. Deleting
	// the rolled-back session cascades that candidate away, and the stack
	// only ever reports each candidate once, so demotion must republish it
	// under the answer session.
	blind := &blindStore{Store: store, blind: true}
	pc := &fakePC{name: "b", gatherOnLocal: true}
	second := New(signal.NewChannel(blind, "call-1"), pc)
	defer second.Teardown(ctx)
	require.NoError(t, second.Run(ctx))
	require.Equal(t, RoleAnswerer, second.Role())

	var got []signal.CandidateRecord
	unsub, err := store.WatchCandidates(ctx, "call-1", second.SessionID(), func(cands []signal.CandidateRecord) {
		got = cands
	})
	require.NoError(t, err)
	defer unsub()
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Candidate, "gathered-early")
}

func TestEarlyCandidatesBufferedUntilPublished(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	pc := &fakePC{name: "a", gatherOnLocal: true}
	eng := New(signal.NewChannel(store, "call-1"), pc)
	defer eng.Teardown(ctx)
	require.NoError(t, eng.Run(ctx))

	// The candidate fired before the session document existed; it must have
	// been flushed right after publication.
	var got []signal.CandidateRecord
	unsub, err := store.WatchCandidates(ctx, "call-1", eng.SessionID(), func(cands []signal.CandidateRecord) {
		got = cands
	})
	require.NoError(t, err)
	defer unsub()
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Candidate, "gathered-early")
}

func TestSiblingCandidatesAppliedOnce(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	eng, pc := newTestEngine(t, store, "a")
	require.NoError(t, eng.Run(ctx))

	require.NoError(t, store.CreateSession(ctx, "call-1", signal.SessionRecord{ID: "sibling", Answer: "answer-x"}))
	require.NoError(t, store.AddCandidate(ctx, "call-1", "sibling", signal.CandidateRecord{Candidate: "candidate:one"}))
	require.NoError(t, store.AddCandidate(ctx, "call-1", "sibling", signal.CandidateRecord{Candidate: "candidate:two"}))

	// Each watch notification carries the full list; the engine must apply
	// every candidate exactly once.
	require.Equal(t, 2, pc.addedCount())
	assert.Equal(t, "candidate:one", pc.added[0].Candidate)
	assert.Equal(t, "candidate:two", pc.added[1].Candidate)
}

func TestTeardownDeletesOwnSession(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	eng, _ := newTestEngine(t, store, "a")
	require.NoError(t, eng.Run(ctx))

	eng.Teardown(ctx)
	eng.Teardown(ctx)

	sessions, err := store.Sessions(ctx, "call-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
