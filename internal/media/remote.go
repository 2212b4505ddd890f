package media

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// pliInterval is how often a keyframe is requested from the remote sender.
const pliInterval = 3 * time.Second

// RemoteStream accumulates inbound tracks into one renderable stream.
// Tracks arrive across multiple OnTrack events (audio first, video later,
// or again after a rejoin) — the sink merges, it never replaces.
type RemoteStream struct {
	callID string
	pc     *webrtc.PeerConnection
	done   chan struct{}

	mu       sync.Mutex
	tracks   []*webrtc.TrackRemote
	onTrack  []func(*webrtc.TrackRemote)
	onPacket func(*webrtc.TrackRemote, *rtp.Packet)
	stopped  bool
}

func newRemoteStream(callID string, pc *webrtc.PeerConnection) *RemoteStream {
	return &RemoteStream{callID: callID, pc: pc, done: make(chan struct{})}
}

// Tracks returns the remote tracks received so far.
func (r *RemoteStream) Tracks() []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(r.tracks))
	copy(out, r.tracks)
	return out
}

// OnTrack registers a callback fired for each newly arrived remote track.
// Tracks already present are replayed immediately so a late subscriber
// (the renderer attaching after connect) misses nothing.
func (r *RemoteStream) OnTrack(fn func(*webrtc.TrackRemote)) {
	r.mu.Lock()
	r.onTrack = append(r.onTrack, fn)
	existing := make([]*webrtc.TrackRemote, len(r.tracks))
	copy(existing, r.tracks)
	r.mu.Unlock()
	for _, t := range existing {
		fn(t)
	}
}

// SetPacketSink registers the consumer of depacketized RTP. The renderer
// process reads these over the local bridge.
func (r *RemoteStream) SetPacketSink(fn func(*webrtc.TrackRemote, *rtp.Packet)) {
	r.mu.Lock()
	r.onPacket = fn
	r.mu.Unlock()
}

// bind registers the OnTrack handler on the peer connection.
func (r *RemoteStream) bind() {
	r.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Debug().
			Str("call_id", r.callID).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")

		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return
		}
		r.tracks = append(r.tracks, track)
		handlers := make([]func(*webrtc.TrackRemote), len(r.onTrack))
		copy(handlers, r.onTrack)
		r.mu.Unlock()

		for _, fn := range handlers {
			fn(track)
		}

		go r.readLoop(track)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go r.pliLoop(track)
		}
	})
}

// readLoop pumps packets from one remote track into the sink. Ends when
// the track or the connection goes away.
func (r *RemoteStream) readLoop(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Str("call_id", r.callID).Err(err).Msg("remote track read ended")
			}
			return
		}
		r.mu.Lock()
		sink := r.onPacket
		r.mu.Unlock()
		if sink != nil {
			sink(track, pkt)
		}
	}
}

// pliLoop asks the remote sender for a keyframe immediately and then on a
// fixed interval, so a newly joined (or rejoined) viewer does not wait an
// entire GOP for a decodable picture.
func (r *RemoteStream) pliLoop(track *webrtc.TrackRemote) {
	sendPLI := func() {
		_ = r.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
	}
	sendPLI()

	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			sendPLI()
		}
	}
}

func (r *RemoteStream) stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()
	close(r.done)
}
