package statusws

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carewire/telecall/internal/call"
	"github.com/carewire/telecall/internal/identity"
	"github.com/carewire/telecall/internal/media"
	"github.com/carewire/telecall/internal/signal"
	"github.com/carewire/telecall/internal/signal/memory"
)

type stubAttempt struct {
	mu      sync.Mutex
	stateFn func(webrtc.PeerConnectionState)
	muted   bool
	camera  bool
	preview *media.WebMStream
}

func (a *stubAttempt) PeerConnection() *webrtc.PeerConnection { return nil }

func (a *stubAttempt) Negotiate(ctx context.Context) error { return nil }

func (a *stubAttempt) OnConnectionState(fn func(webrtc.PeerConnectionState)) {
	a.mu.Lock()
	a.stateFn = fn
	a.mu.Unlock()
}

func (a *stubAttempt) OnNegotiateError(fn func(error)) {}

func (a *stubAttempt) SetMuted(muted bool) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.muted = muted
	return a.muted, nil
}

func (a *stubAttempt) SetCameraOff(off bool) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.camera = off
	return a.camera, nil
}

func (a *stubAttempt) Muted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.muted
}

func (a *stubAttempt) CameraOff() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.camera
}

func (a *stubAttempt) Preview() *media.WebMStream { return a.preview }

func (a *stubAttempt) Teardown(ctx context.Context) {}

func (a *stubAttempt) connect(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.stateFn != nil
	}, 2*time.Second, 5*time.Millisecond)
	a.mu.Lock()
	fn := a.stateFn
	a.mu.Unlock()
	fn(webrtc.PeerConnectionStateConnected)
}

type stubFactory struct {
	mu   sync.Mutex
	last *stubAttempt
}

func (f *stubFactory) new(callID string, ch *signal.Channel, cfg media.Config) (call.Attempt, error) {
	a := &stubAttempt{preview: media.NewWebMStream(callID)}
	f.mu.Lock()
	f.last = a
	f.mu.Unlock()
	return a, nil
}

func (f *stubFactory) attempt(t *testing.T) *stubAttempt {
	t.Helper()
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.last != nil
	}, 2*time.Second, 5*time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func newTestServer(t *testing.T) (*httptest.Server, *stubFactory) {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { store.Close() })

	f := &stubFactory{}
	ids := identity.Static{Identity: identity.Identity{ID: "dr-1", Role: identity.RoleDoctor}}
	mgr := call.NewManager(store, ids, f.new, nil)
	t.Cleanup(func() { mgr.Close(context.Background()) })

	s := New("127.0.0.1:0", mgr)
	ts := httptest.NewServer(s.http.Handler)
	t.Cleanup(ts.Close)
	return ts, f
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStartEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/call/start", `{"call_id":"call-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "started", body["status"])
	assert.Equal(t, "call-1", body["call_id"])
}

func TestStartValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/call/start", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/call/start", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	get, err := http.Get(ts.URL + "/api/call/start")
	require.NoError(t, err)
	defer get.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)
}

func TestActionsWithoutCallReturn404(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, ep := range []string{"hangup", "end", "mute", "camera"} {
		resp := postJSON(t, ts.URL+"/api/call/"+ep, `{"call_id":"call-9"}`)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, ep)
	}
}

func TestMuteEndpoint(t *testing.T) {
	ts, f := newTestServer(t)

	postJSON(t, ts.URL+"/api/call/start", `{"call_id":"call-1"}`)
	f.attempt(t).connect(t)

	resp := postJSON(t, ts.URL+"/api/call/mute", `{"call_id":"call-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body["muted"])
}

func TestCompleteWhileLiveConflicts(t *testing.T) {
	ts, f := newTestServer(t)

	postJSON(t, ts.URL+"/api/call/start", `{"call_id":"call-1"}`)
	f.attempt(t).connect(t)

	resp := postJSON(t, ts.URL+"/api/call/complete", `{"call_id":"call-1"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestStatusWebSocket(t *testing.T) {
	ts, _ := newTestServer(t)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/call/status/call-1"), nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var st call.Status
	require.NoError(t, conn.ReadJSON(&st))
	assert.Equal(t, "call-1", st.CallID)
	assert.Equal(t, call.StateIdle, st.State)
	assert.False(t, st.Active)
}

func TestStatusWebSocketInitialSnapshotSentOnce(t *testing.T) {
	ts, _ := newTestServer(t)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/call/status/call-1"), nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var st call.Status
	require.NoError(t, conn.ReadJSON(&st))
	assert.Equal(t, call.StateIdle, st.State)

	// Nothing changed, so nothing else may arrive: the immediate snapshot
	// must not come through both the history replay and the live channel.
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var dup call.Status
	err = conn.ReadJSON(&dup)
	require.Error(t, err, "got a duplicate snapshot: %+v", dup)
}

func TestStatusWebSocketRequiresCallID(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/call/status/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMediaWebSocketWithoutCall(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/call/media/call-9")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMediaWebSocketStreamsInitSegment(t *testing.T) {
	ts, f := newTestServer(t)

	postJSON(t, ts.URL+"/api/call/start", `{"call_id":"call-1"}`)
	att := f.attempt(t)
	att.connect(t)

	// Feed one keyframe so the muxer has an init segment to replay.
	frame := make([]byte, 12)
	frame[3], frame[4], frame[5] = 0x9D, 0x01, 0x2A
	frame[6], frame[8] = 0x40, 0xF0 // 320x240
	att.preview.PushVideoFrame(0, true, frame)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/call/media/call-1"), nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.True(t, bytes.HasPrefix(data, []byte{0x1A, 0x45, 0xDF, 0xA3}))
}
