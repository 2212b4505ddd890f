package media

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
)

const (
	videoClockRate = 90000
	audioClockRate = 48000
)

// Preview reassembles the remote RTP streams into VP8/Opus frames and feeds
// them to a live WebM stream, so a local viewer can render the remote party
// without its own peer connection.
type Preview struct {
	stream *WebMStream

	mu    sync.Mutex
	video *samplebuilder.SampleBuilder
	audio *samplebuilder.SampleBuilder
}

// NewPreview creates a preview muxer for one call.
func NewPreview(callID string) *Preview {
	return &Preview{
		stream: NewWebMStream(callID),
		video:  samplebuilder.New(64, &codecs.VP8Packet{}, videoClockRate),
		audio:  samplebuilder.New(32, &codecs.OpusPacket{}, audioClockRate),
	}
}

// Stream exposes the WebM stream for subscribers.
func (p *Preview) Stream() *WebMStream { return p.stream }

// Attach wires the preview as the remote stream's packet sink.
func (p *Preview) Attach(remote *RemoteStream) {
	remote.OnTrack(func(track *webrtc.TrackRemote) {
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			p.stream.EnableAudio()
		}
	})
	remote.SetPacketSink(p.consume)
}

func (p *Preview) consume(track *webrtc.TrackRemote, pkt *rtp.Packet) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch track.Kind() {
	case webrtc.RTPCodecTypeVideo:
		p.video.Push(pkt)
		for {
			sample := p.video.Pop()
			if sample == nil {
				return
			}
			if len(sample.Data) == 0 {
				continue
			}
			ms := int64(sample.PacketTimestamp) * 1000 / videoClockRate
			// VP8 frame header: P bit clear on the first byte marks a
			// keyframe.
			keyframe := sample.Data[0]&0x01 == 0
			p.stream.PushVideoFrame(ms, keyframe, sample.Data)
		}
	case webrtc.RTPCodecTypeAudio:
		p.audio.Push(pkt)
		for {
			sample := p.audio.Pop()
			if sample == nil {
				return
			}
			if len(sample.Data) == 0 {
				continue
			}
			ms := int64(sample.PacketTimestamp) * 1000 / audioClockRate
			p.stream.PushAudioFrame(ms, sample.Data)
		}
	}
}
