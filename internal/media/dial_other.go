//go:build !linux || !cgo

package media

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// dial builds a peer connection without local capture. mediadevices driver
// support outside Linux is not wired up; the attempt proceeds receive-only
// when the configuration allows it.
func dial(callID string, cfg Config) (*webrtc.PeerConnection, localTracks, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, localTracks{}, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, localTracks{}, err
	}

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

	log.Warn().Str("call_id", callID).Msg("local media capture not supported on this platform")
	return pc, localTracks{}, nil
}
