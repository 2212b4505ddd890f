package media

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer still produce valid m-lines with ICE credentials
// when there is no local media to send.
func addRecvOnlyTransceivers(callID string, pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warn().Str("call_id", callID).Err(err).Msg("add video transceiver")
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warn().Str("call_id", callID).Err(err).Msg("add audio transceiver")
	}
}
