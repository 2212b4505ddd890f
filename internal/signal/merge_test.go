package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyCallFields(t *testing.T) {
	var rec CallRecord
	err := ApplyCallFields(&rec, map[string]any{
		FieldActive:        true,
		FieldDoctorPresent: true,
		FieldPatientMuted:  true,
	})
	require.NoError(t, err)
	assert.True(t, rec.Active)
	assert.True(t, rec.Participants.Doctor)
	assert.False(t, rec.Participants.Patient)
	assert.True(t, rec.PatientMuted)

	assert.Error(t, ApplyCallFields(&rec, map[string]any{"bogus": true}))
	assert.Error(t, ApplyCallFields(&rec, map[string]any{FieldActive: "yes"}))
}

func TestApplySessionFields(t *testing.T) {
	sess := SessionRecord{ID: "s1", Offer: "o"}
	require.NoError(t, ApplySessionFields(&sess, map[string]any{"answer": "a"}))
	require.NoError(t, ApplySessionFields(&sess, map[string]any{"connected": true}))
	assert.Equal(t, "a", sess.Answer)
	assert.True(t, sess.Connected)
	assert.Equal(t, "o", sess.Offer)

	assert.Error(t, ApplySessionFields(&sess, map[string]any{"offer": "x"}))
	assert.Error(t, ApplySessionFields(&sess, map[string]any{"answer": 7}))
}

func TestSessionPending(t *testing.T) {
	assert.True(t, SessionRecord{Offer: "o"}.Pending())
	assert.False(t, SessionRecord{Offer: "o", Answer: "a"}.Pending())
	assert.False(t, SessionRecord{Answer: "a"}.Pending())
}

func TestSortSessionsTieBreak(t *testing.T) {
	now := time.Now()
	sessions := []SessionRecord{
		{ID: "zzz", CreatedAt: now},
		{ID: "aaa", CreatedAt: now.Add(time.Second)},
		{ID: "mmm", CreatedAt: now},
	}
	SortSessions(sessions)
	assert.Equal(t, "mmm", sessions[0].ID)
	assert.Equal(t, "zzz", sessions[1].ID)
	assert.Equal(t, "aaa", sessions[2].ID)
}
