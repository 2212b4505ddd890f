package media

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	replaced []webrtc.TrackLocal
	err      error
}

func (f *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	if f.err != nil {
		return f.err
	}
	f.replaced = append(f.replaced, track)
	return nil
}

func newTogglePipeline(t *testing.T) (*Pipeline, *fakeSender, *fakeSender) {
	t.Helper()
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
	require.NoError(t, err)
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "local")
	require.NoError(t, err)

	as, vs := &fakeSender{}, &fakeSender{}
	p := &Pipeline{
		callID:      "call-1",
		local:       localTracks{audio: audio, video: video},
		audioSender: as,
		videoSender: vs,
	}
	return p, as, vs
}

func TestSetMutedReplacesTrack(t *testing.T) {
	p, as, _ := newTogglePipeline(t)

	muted, err := p.SetMuted(true)
	require.NoError(t, err)
	assert.True(t, muted)
	require.Len(t, as.replaced, 1)
	assert.Nil(t, as.replaced[0], "muting detaches the outbound audio track")

	// Same state again is a no-op.
	muted, err = p.SetMuted(true)
	require.NoError(t, err)
	assert.True(t, muted)
	assert.Len(t, as.replaced, 1)

	muted, err = p.SetMuted(false)
	require.NoError(t, err)
	assert.False(t, muted)
	require.Len(t, as.replaced, 2)
	assert.Equal(t, p.local.audio, as.replaced[1], "unmuting restores the captured track")
}

func TestSetCameraOffReplacesTrack(t *testing.T) {
	p, _, vs := newTogglePipeline(t)

	off, err := p.SetCameraOff(true)
	require.NoError(t, err)
	assert.True(t, off)
	require.Len(t, vs.replaced, 1)
	assert.Nil(t, vs.replaced[0])
	assert.True(t, p.CameraOff())
	assert.False(t, p.Muted(), "toggles are independent")
}

func TestToggleErrorKeepsState(t *testing.T) {
	p, as, _ := newTogglePipeline(t)
	as.err = errors.New("sender closed")

	muted, err := p.SetMuted(true)
	assert.Error(t, err)
	assert.False(t, muted)
	assert.False(t, p.Muted())
}

func TestTogglesWithoutLocalMedia(t *testing.T) {
	// Receive-only attempt: no senders at all. Toggles still track intent
	// so the state survives a renegotiated attempt that regains capture.
	p := &Pipeline{callID: "call-1"}

	muted, err := p.SetMuted(true)
	require.NoError(t, err)
	assert.True(t, muted)

	off, err := p.SetCameraOff(true)
	require.NoError(t, err)
	assert.True(t, off)
}
