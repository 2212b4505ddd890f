// Package media owns everything between the local devices and the peer
// connection for one call attempt: capture, outbound track binding, the
// merged remote stream, and the mute/camera toggles. One Pipeline is
// constructed per attempt and must be released on every exit path; nothing
// in here is shared module-level state.
package media

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// ErrMediaUnavailable is returned when camera/microphone capture fails and
// the configuration does not allow a receive-only call. It is not
// retryable without user action (granting permission, attaching a device).
var ErrMediaUnavailable = errors.New("media: camera/microphone unavailable")

// ICEServer is one STUN or TURN server; Username and Credential apply to
// TURN only.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

func (s ICEServer) webrtc() webrtc.ICEServer {
	srv := webrtc.ICEServer{URLs: s.URLs}
	if s.Username != "" {
		srv.Username = s.Username
		srv.Credential = s.Credential
	}
	return srv
}

func iceServers(servers []ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.webrtc())
	}
	return out
}

// Config carries the per-attempt media and transport settings.
type Config struct {
	// ICEServers are the STUN/TURN servers for the peer connection.
	ICEServers []ICEServer

	// DisconnectedTimeout / FailedTimeout / KeepAliveInterval tune ICE
	// liveness. Generous defaults keep a brief relay hiccup from killing
	// the consultation.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// Capture constraints.
	MaxWidth     int
	MaxHeight    int
	VideoBitRate int

	// DisableVideo skips camera capture entirely (audio-only consult).
	DisableVideo bool

	// AllowRecvOnly lets an attempt proceed without any local media
	// instead of failing with ErrMediaUnavailable.
	AllowRecvOnly bool
}

// DefaultConfig returns the settings used when the config file does not
// override them.
func DefaultConfig() Config {
	return Config{
		ICEServers:          []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       120 * time.Second,
		KeepAliveInterval:   2 * time.Second,
		MaxWidth:            640,
		MaxHeight:           480,
		VideoBitRate:        1_500_000,
	}
}

// trackSender is the slice of *webrtc.RTPSender the toggles need.
// Replacing the sender's track with nil stops the outbound media without a
// renegotiation round; restoring it resumes.
type trackSender interface {
	ReplaceTrack(webrtc.TrackLocal) error
}

// localTracks is the per-platform capture result.
type localTracks struct {
	audio webrtc.TrackLocal
	video webrtc.TrackLocal
	close func()
}

// Pipeline binds local media to one peer connection and accumulates the
// remote side's tracks.
type Pipeline struct {
	callID string
	pc     *webrtc.PeerConnection
	remote *RemoteStream

	mu          sync.Mutex
	local       localTracks
	audioSender trackSender
	videoSender trackSender
	muted       bool
	cameraOff   bool
	released    bool
}

// Dial builds the peer connection for one call attempt, captures local
// media where the platform supports it, attaches the outbound tracks and
// registers the remote-track sink. The caller owns the result and must
// call Release exactly once.
func Dial(callID string, cfg Config) (*Pipeline, error) {
	pc, local, err := dial(callID, cfg)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		callID: callID,
		pc:     pc,
		local:  local,
		remote: newRemoteStream(callID, pc),
	}

	if local.audio != nil {
		sender, err := pc.AddTrack(local.audio)
		if err != nil {
			p.Release()
			return nil, err
		}
		p.audioSender = sender
	}
	if local.video != nil {
		sender, err := pc.AddTrack(local.video)
		if err != nil {
			p.Release()
			return nil, err
		}
		p.videoSender = sender
	}

	if local.audio == nil && local.video == nil {
		if !cfg.AllowRecvOnly {
			p.Release()
			return nil, ErrMediaUnavailable
		}
		addRecvOnlyTransceivers(callID, pc)
	}

	p.remote.bind()
	return p, nil
}

// PeerConnection exposes the underlying connection so the lifecycle
// coordinator (and through it the UI) can observe state changes. Callers
// only read state; the pipeline owns mutation.
func (p *Pipeline) PeerConnection() *webrtc.PeerConnection { return p.pc }

// Remote returns the merged remote stream.
func (p *Pipeline) Remote() *RemoteStream { return p.remote }

// SetMuted enables or disables the outbound audio track and returns the
// resulting muted state. No renegotiation happens: the sender keeps its
// transceiver and just stops pulling from the track.
func (p *Pipeline) SetMuted(muted bool) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.muted == muted || p.audioSender == nil {
		p.muted = muted
		return p.muted, nil
	}
	var next webrtc.TrackLocal
	if !muted {
		next = p.local.audio
	}
	if err := p.audioSender.ReplaceTrack(next); err != nil {
		return p.muted, err
	}
	p.muted = muted
	log.Debug().Str("call_id", p.callID).Bool("muted", muted).Msg("audio toggled")
	return p.muted, nil
}

// Muted reports the current outbound audio state.
func (p *Pipeline) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

// SetCameraOff enables or disables the outbound video track and returns
// the resulting camera-off state.
func (p *Pipeline) SetCameraOff(off bool) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cameraOff == off || p.videoSender == nil {
		p.cameraOff = off
		return p.cameraOff, nil
	}
	var next webrtc.TrackLocal
	if !off {
		next = p.local.video
	}
	if err := p.videoSender.ReplaceTrack(next); err != nil {
		return p.cameraOff, err
	}
	p.cameraOff = off
	log.Debug().Str("call_id", p.callID).Bool("camera_off", off).Msg("video toggled")
	return p.cameraOff, nil
}

// CameraOff reports the current outbound video state.
func (p *Pipeline) CameraOff() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cameraOff
}

// Release stops local capture, the remote sink and the peer connection.
// Idempotent: every exit path of the coordinator calls it.
func (p *Pipeline) Release() {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	closeLocal := p.local.close
	p.mu.Unlock()

	p.remote.stop()
	if closeLocal != nil {
		closeLocal()
	}
	if err := p.pc.Close(); err != nil {
		log.Debug().Str("call_id", p.callID).Err(err).Msg("peer connection close")
	}
}
