package media

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEbmlVint(t *testing.T) {
	assert.Equal(t, []byte{0x85}, ebmlVint(5))
	assert.Equal(t, []byte{0x41, 0x2C}, ebmlVint(300))
	assert.Equal(t, []byte{0x20, 0x01, 0x00, 0x00}, ebmlVint(0x10000))
}

func TestEbmlUint(t *testing.T) {
	assert.Equal(t, []byte{0}, ebmlUint(0))
	assert.Equal(t, []byte{0x01}, ebmlUint(1))
	assert.Equal(t, []byte{0x0F, 0x42, 0x40}, ebmlUint(1000000))
}

func TestSimpleBlockLayout(t *testing.T) {
	block := webmSimpleBlock(1, 5, true, []byte{0xAA})
	assert.Equal(t, []byte{0xA3, 0x85, 0x81, 0x00, 0x05, 0x80, 0xAA}, block)

	delta := webmSimpleBlock(2, -3, false, []byte{0xBB})
	rel := int16(binary.BigEndian.Uint16(delta[3:5]))
	assert.Equal(t, int16(-3), rel)
	assert.Equal(t, byte(0x00), delta[5], "delta frames carry no keyframe flag")
}

// vp8Keyframe builds a minimal VP8 payload that parses as a keyframe with
// the given dimensions.
func vp8Keyframe(w, h uint16) []byte {
	data := make([]byte, 12)
	data[0] = 0x10 // low bit clear marks a keyframe
	data[3] = 0x9D
	data[4] = 0x01
	data[5] = 0x2A
	binary.LittleEndian.PutUint16(data[6:8], w)
	binary.LittleEndian.PutUint16(data[8:10], h)
	return data
}

func vp8Delta() []byte {
	return []byte{0x11, 0x00, 0x00, 0x00}
}

func TestStreamWaitsForKeyframe(t *testing.T) {
	ws := NewWebMStream("call-1")
	assert.False(t, ws.Ready())

	// Delta frames before the first keyframe cannot produce a decodable
	// stream and must be dropped.
	ws.PushVideoFrame(0, false, vp8Delta())
	assert.False(t, ws.Ready())

	ws.PushVideoFrame(33, true, vp8Keyframe(320, 240))
	assert.True(t, ws.Ready())
}

func TestSubscribeReplaysInitAndKeyCluster(t *testing.T) {
	ws := NewWebMStream("call-1")
	ws.PushVideoFrame(1000, true, vp8Keyframe(320, 240))
	ws.PushVideoFrame(1033, false, vp8Delta())

	ch, cancel := ws.Subscribe()
	defer cancel()

	init := <-ch
	assert.True(t, bytes.HasPrefix(init, []byte{0x1A, 0x45, 0xDF, 0xA3}), "first message is the EBML header")
	assert.Contains(t, string(init), "webm")
	assert.Contains(t, string(init), "V_VP8")

	cluster := <-ch
	assert.True(t, bytes.HasPrefix(cluster, []byte{0x1F, 0x43, 0xB6, 0x75}), "second message is the keyframe cluster")

	select {
	case msg := <-ch:
		t.Fatalf("unexpected replay message: % x", msg[:8])
	default:
	}
}

func TestLiveSubscriberReceivesClusters(t *testing.T) {
	ws := NewWebMStream("call-1")
	ws.PushVideoFrame(0, true, vp8Keyframe(320, 240))

	ch, cancel := ws.Subscribe()
	defer cancel()
	<-ch // init
	<-ch // keyframe cluster replay

	ws.PushVideoFrame(33, false, vp8Delta())
	cluster := <-ch
	assert.True(t, bytes.HasPrefix(cluster, []byte{0x1F, 0x43, 0xB6, 0x75}))
}

func TestTimestampsRebaseToZero(t *testing.T) {
	ws := NewWebMStream("call-1")
	// RTP clocks start at a random offset; the first frame must land at
	// cluster timecode zero regardless.
	ws.PushVideoFrame(987654, true, vp8Keyframe(320, 240))

	ch, cancel := ws.Subscribe()
	defer cancel()
	<-ch // init
	cluster := <-ch

	// Cluster layout: id(4) size-vint timecode-elem. The timecode element
	// is idTimecode(0xE7), size 0x81, value 0x00.
	idx := bytes.Index(cluster, []byte{0xE7, 0x81})
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, byte(0x00), cluster[idx+2])
}

func TestAudioDrainsIntoVideoCluster(t *testing.T) {
	ws := NewWebMStream("call-1")
	ws.EnableAudio()

	opus := []byte{0xFC, 0xFF, 0xFE, 0x01, 0x02, 0x03}
	ws.PushAudioFrame(500, opus)
	ws.PushAudioFrame(520, opus)
	ws.PushVideoFrame(9000, true, vp8Keyframe(320, 240))

	ch, cancel := ws.Subscribe()
	defer cancel()

	init := <-ch
	assert.Contains(t, string(init), "A_OPUS")
	assert.Contains(t, string(init), "OpusHead")

	cluster := <-ch
	assert.Equal(t, 2, bytes.Count(cluster, opus), "queued audio frames ride in the keyframe cluster")
}

func TestSlowSubscriberIsNotBlockedOn(t *testing.T) {
	ws := NewWebMStream("call-1")
	_, cancel := ws.Subscribe()
	defer cancel()

	// Fill well past the subscriber buffer; pushes must never block.
	ws.PushVideoFrame(0, true, vp8Keyframe(320, 240))
	for i := 1; i < 100; i++ {
		ws.PushVideoFrame(int64(i*33), false, vp8Delta())
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	ws := NewWebMStream("call-1")
	ch, cancel := ws.Subscribe()
	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
}
