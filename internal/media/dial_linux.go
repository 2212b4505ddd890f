//go:build linux && cgo

package media

import (
	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// dial builds the peer connection with VP8+Opus codecs and captures camera
// and microphone via pion/mediadevices (V4L2 + malgo).
func dial(callID string, cfg Config) (*webrtc.PeerConnection, localTracks, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, localTracks{}, err
	}
	vpxParams.BitRate = cfg.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, localTracks{}, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, localTracks{}, err
	}

	// A brief relay/NAT hiccup must not terminate the consultation; the
	// default disconnectedTimeout of 5s is far too short for relay paths
	// that can have short outages during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers(cfg.ICEServers),
	})
	if err != nil {
		return nil, localTracks{}, err
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warn().Str("call_id", callID).Msg("no media devices found")
	}
	for _, d := range devices {
		log.Debug().
			Str("call_id", callID).
			Int("kind", int(d.Kind)).
			Str("label", d.Label).
			Msg("media device")
	}

	// GetUserMedia fails as a unit if either track can't be opened. Try
	// video+audio first, then each alone, so a missing or busy microphone
	// doesn't prevent the camera from working and vice versa.
	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}
	if cfg.DisableVideo {
		attempts = []attempt{{false, true, "audio-only"}}
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node
				// producing malformed JPEG frames that poison the VP8
				// encoder. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: cfg.MaxWidth}
				c.Height = prop.IntRanged{Max: cfg.MaxHeight}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warn().Str("call_id", callID).Str("attempt", a.label).Err(err).Msg("capture failed")
			continue
		}

		tracks := stream.GetTracks()
		var local localTracks
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Debug().Str("call_id", callID).Err(err).Msg("local track ended")
				}
			})
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				local.audio = track
			case webrtc.RTPCodecTypeVideo:
				local.video = track
			}
		}
		local.close = func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		log.Info().
			Str("call_id", callID).
			Str("attempt", a.label).
			Int("tracks", len(tracks)).
			Msg("local media captured")
		return pc, local, nil
	}

	// All attempts failed; the caller decides between receive-only and
	// ErrMediaUnavailable.
	log.Warn().Str("call_id", callID).Msg("all media capture attempts failed")
	return pc, localTracks{}, nil
}
