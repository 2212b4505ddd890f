package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carewire/telecall/internal/signal"
)

func TestMergeCallCreatesAndPatches(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	_, err := s.GetCall(ctx, "c1")
	assert.ErrorIs(t, err, signal.ErrNotFound)

	require.NoError(t, s.MergeCall(ctx, "c1", map[string]any{signal.FieldActive: true}))
	require.NoError(t, s.MergeCall(ctx, "c1", map[string]any{signal.FieldDoctorPresent: true}))

	rec, err := s.GetCall(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, rec.Active)
	assert.True(t, rec.Participants.Doctor)
	assert.False(t, rec.Participants.Patient, "merge must not touch unrelated fields")

	// A later write to one field leaves the others alone.
	require.NoError(t, s.MergeCall(ctx, "c1", map[string]any{signal.FieldDoctorMuted: true}))
	rec, err = s.GetCall(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, rec.Active)
	assert.True(t, rec.DoctorMuted)
}

func TestWatchCallImmediateAndOnChange(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	var got []*signal.CallRecord
	unsub, err := s.WatchCall(ctx, "c1", func(rec *signal.CallRecord) {
		got = append(got, rec)
	})
	require.NoError(t, err)
	defer unsub()

	require.Len(t, got, 1)
	assert.Nil(t, got[0], "initial snapshot before the call starts is nil")

	require.NoError(t, s.MergeCall(ctx, "c1", map[string]any{signal.FieldActive: true}))
	require.Len(t, got, 2)
	assert.True(t, got[1].Active)

	unsub()
	require.NoError(t, s.MergeCall(ctx, "c1", map[string]any{signal.FieldActive: false}))
	assert.Len(t, got, 2, "no notifications after unsubscribe")
}

func TestCreateSessionDuplicate(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, "c1", signal.SessionRecord{ID: "s1", Offer: "o1"}))
	err := s.CreateSession(ctx, "c1", signal.SessionRecord{ID: "s1", Offer: "o2"})
	assert.ErrorIs(t, err, signal.ErrSessionExists)
}

func TestSessionsOrderedWithTieBreak(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	// Created back to back; identical timestamps must fall back to the id
	// ordering.
	require.NoError(t, s.CreateSession(ctx, "c1", signal.SessionRecord{ID: "bbb", Offer: "o"}))
	require.NoError(t, s.CreateSession(ctx, "c1", signal.SessionRecord{ID: "aaa", Offer: "o"}))

	sessions, err := s.Sessions(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	if sessions[0].CreatedAt.Equal(sessions[1].CreatedAt) {
		assert.Equal(t, "aaa", sessions[0].ID)
	} else {
		assert.True(t, sessions[0].CreatedAt.Before(sessions[1].CreatedAt))
	}
}

func TestUpdateSessionMergesFields(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	assert.ErrorIs(t, s.UpdateSession(ctx, "c1", "s1", map[string]any{"answer": "a"}), signal.ErrNotFound)

	require.NoError(t, s.CreateSession(ctx, "c1", signal.SessionRecord{ID: "s1", Offer: "o"}))
	require.NoError(t, s.UpdateSession(ctx, "c1", "s1", map[string]any{"answer": "a"}))
	require.NoError(t, s.UpdateSession(ctx, "c1", "s1", map[string]any{"connected": true}))

	sessions, err := s.Sessions(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "o", sessions[0].Offer)
	assert.Equal(t, "a", sessions[0].Answer)
	assert.True(t, sessions[0].Connected)
}

func TestWatchSessionsSeesSnapshotThenChanges(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, "c1", signal.SessionRecord{ID: "s1", Offer: "o"}))

	var lists [][]signal.SessionRecord
	unsub, err := s.WatchSessions(ctx, "c1", func(sessions []signal.SessionRecord) {
		lists = append(lists, sessions)
	})
	require.NoError(t, err)
	defer unsub()

	require.Len(t, lists, 1, "existing sessions are delivered immediately")
	require.Len(t, lists[0], 1)

	require.NoError(t, s.CreateSession(ctx, "c1", signal.SessionRecord{ID: "s2", Offer: "o2"}))
	require.Len(t, lists, 2)
	assert.Len(t, lists[1], 2)

	require.NoError(t, s.DeleteSession(ctx, "c1", "s1"))
	require.Len(t, lists, 3)
	assert.Len(t, lists[2], 1)
	assert.Equal(t, "s2", lists[2][0].ID)
}

func TestCandidatesAppendOnly(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	var lists [][]signal.CandidateRecord
	unsub, err := s.WatchCandidates(ctx, "c1", "s1", func(cands []signal.CandidateRecord) {
		lists = append(lists, cands)
	})
	require.NoError(t, err)
	defer unsub()

	require.Len(t, lists, 1)
	assert.Empty(t, lists[0])

	require.NoError(t, s.AddCandidate(ctx, "c1", "s1", signal.CandidateRecord{Candidate: "cand-1"}))
	require.NoError(t, s.AddCandidate(ctx, "c1", "s1", signal.CandidateRecord{Candidate: "cand-2"}))

	require.Len(t, lists, 3)
	assert.Equal(t, "cand-1", lists[2][0].Candidate)
	assert.Equal(t, "cand-2", lists[2][1].Candidate)
}

func TestDeleteSessionCascadesAndIsIdempotent(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, "c1", signal.SessionRecord{ID: "s1", Offer: "o"}))
	require.NoError(t, s.AddCandidate(ctx, "c1", "s1", signal.CandidateRecord{Candidate: "cand"}))

	require.NoError(t, s.DeleteSession(ctx, "c1", "s1"))
	require.NoError(t, s.DeleteSession(ctx, "c1", "s1"), "double delete is a no-op")

	// Re-creating the session must not resurrect old candidates.
	require.NoError(t, s.CreateSession(ctx, "c1", signal.SessionRecord{ID: "s1", Offer: "o2"}))
	var got []signal.CandidateRecord
	unsub, err := s.WatchCandidates(ctx, "c1", "s1", func(cands []signal.CandidateRecord) { got = cands })
	require.NoError(t, err)
	defer unsub()
	assert.Empty(t, got)
}

func TestDeleteCallGuardsActive(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.MergeCall(ctx, "c1", map[string]any{signal.FieldActive: true}))
	require.NoError(t, s.CreateSession(ctx, "c1", signal.SessionRecord{ID: "s1", Offer: "o"}))

	assert.ErrorIs(t, s.DeleteCall(ctx, "c1"), signal.ErrCallInProgress)

	require.NoError(t, s.MergeCall(ctx, "c1", map[string]any{signal.FieldActive: false}))
	require.NoError(t, s.DeleteCall(ctx, "c1"))

	_, err := s.GetCall(ctx, "c1")
	assert.ErrorIs(t, err, signal.ErrNotFound)
	sessions, err := s.Sessions(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, sessions, "call deletion cascades to sessions")
}
