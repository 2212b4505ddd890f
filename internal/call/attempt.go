package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/carewire/telecall/internal/media"
	"github.com/carewire/telecall/internal/negotiate"
	"github.com/carewire/telecall/internal/signal"
)

// Attempt bundles everything owned by one peer-connection attempt: the
// media pipeline, the negotiation engine and the native connection. The
// coordinator creates one per attempt and tears it down as a unit on every
// exit path.
type Attempt interface {
	// PeerConnection exposes the native connection for read-only state
	// observation. May be nil in test doubles.
	PeerConnection() *webrtc.PeerConnection
	// Negotiate runs role inference and the local half of the SDP
	// exchange, leaving watchers in place.
	Negotiate(ctx context.Context) error
	// OnConnectionState registers the native connection-state observer.
	OnConnectionState(fn func(webrtc.PeerConnectionState))
	// OnNegotiateError registers the sink for asynchronous negotiation
	// failures raised after Negotiate returned.
	OnNegotiateError(fn func(error))
	SetMuted(muted bool) (bool, error)
	SetCameraOff(off bool) (bool, error)
	Muted() bool
	CameraOff() bool
	// Preview exposes the live WebM remote-preview stream. May be nil
	// when no preview is muxed.
	Preview() *media.WebMStream
	// Teardown closes subscriptions, deletes the attempt's own signaling
	// documents, stops local media and closes the connection. Idempotent.
	Teardown(ctx context.Context)
}

// AttemptFactory creates an attempt for one call. Factories are a seam:
// production uses LiveAttempts, coordinator tests substitute fakes.
type AttemptFactory func(callID string, ch *signal.Channel, cfg media.Config) (Attempt, error)

// LiveAttempts is the production factory: pion peer connection with local
// capture plus a negotiation engine on the signaling channel.
func LiveAttempts() AttemptFactory {
	return func(callID string, ch *signal.Channel, cfg media.Config) (Attempt, error) {
		pipe, err := media.Dial(callID, cfg)
		if err != nil {
			return nil, err
		}
		eng := negotiate.New(ch, pipe.PeerConnection())
		preview := media.NewPreview(callID)
		preview.Attach(pipe.Remote())
		return &liveAttempt{pipe: pipe, eng: eng, preview: preview}, nil
	}
}

type liveAttempt struct {
	pipe    *media.Pipeline
	eng     *negotiate.Engine
	preview *media.Preview
}

func (a *liveAttempt) PeerConnection() *webrtc.PeerConnection { return a.pipe.PeerConnection() }

func (a *liveAttempt) Negotiate(ctx context.Context) error { return a.eng.Run(ctx) }

func (a *liveAttempt) OnConnectionState(fn func(webrtc.PeerConnectionState)) {
	a.pipe.PeerConnection().OnConnectionStateChange(fn)
}

func (a *liveAttempt) OnNegotiateError(fn func(error)) { a.eng.OnError(fn) }

func (a *liveAttempt) SetMuted(muted bool) (bool, error) { return a.pipe.SetMuted(muted) }

func (a *liveAttempt) SetCameraOff(off bool) (bool, error) { return a.pipe.SetCameraOff(off) }

func (a *liveAttempt) Muted() bool { return a.pipe.Muted() }

func (a *liveAttempt) CameraOff() bool { return a.pipe.CameraOff() }

func (a *liveAttempt) Preview() *media.WebMStream { return a.preview.Stream() }

func (a *liveAttempt) Teardown(ctx context.Context) {
	a.eng.Teardown(ctx)
	a.pipe.Release()
}
