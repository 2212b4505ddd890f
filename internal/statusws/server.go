// Package statusws is the local HTTP/WebSocket bridge a rendering shell
// talks to: call actions via small JSON POSTs, live call status and the
// remote WebM preview via WebSocket.
package statusws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/carewire/telecall/internal/call"
	"github.com/carewire/telecall/internal/signal"
	"github.com/carewire/telecall/internal/util"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// The bridge binds to loopback; the shell may load from file:// or a
	// localhost origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// statusHistory is how many recent status snapshots a late websocket
// subscriber gets replayed.
const statusHistory = 16

// Server serves the bridge endpoints for one call manager.
type Server struct {
	mgr  *call.Manager
	http *http.Server
}

// New builds a server bound to addr.
func New(addr string, mgr *call.Manager) *Server {
	s := &Server{mgr: mgr}
	mux := http.NewServeMux()
	s.register(mux)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("status bridge listen on %s: %w", s.http.Addr, err)
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("status bridge listening")
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) register(mux *http.ServeMux) {
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		if _, err := s.mgr.StartCall(r.Context(), req.CallID); err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "started", "call_id": req.CallID})
	})

	handlePost(mux, "/api/call/join", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		if _, err := s.mgr.JoinCall(r.Context(), req.CallID); err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "joined", "call_id": req.CallID})
	})

	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		if err := s.mgr.Hangup(r.Context(), req.CallID); err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "hung_up"})
	})

	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		if err := s.mgr.EndCall(r.Context(), req.CallID); err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ended"})
	})

	handlePost(mux, "/api/call/mute", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		muted, err := s.mgr.ToggleMute(r.Context(), req.CallID)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	handlePost(mux, "/api/call/camera", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		off, err := s.mgr.ToggleCamera(r.Context(), req.CallID)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"camera_off": off})
	})

	handlePost(mux, "/api/call/complete", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		if err := s.mgr.CompleteAppointment(r.Context(), req.CallID); err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "completed"})
	})

	// GET /api/call/status/{call} — WebSocket: JSON status snapshots.
	// Recent history is replayed first so a reconnecting shell does not
	// miss the edge that put the call in its current state.
	mux.HandleFunc("/api/call/status/", func(w http.ResponseWriter, r *http.Request) {
		callID, ok := pathTail(w, r, "/api/call/status/")
		if !ok {
			return
		}
		s.serveStatus(w, r, callID)
	})

	// GET /api/call/media/{call} — WebSocket: live WebM preview of the
	// remote party. First message is the init segment, then clusters.
	mux.HandleFunc("/api/call/media/", func(w http.ResponseWriter, r *http.Request) {
		callID, ok := pathTail(w, r, "/api/call/media/")
		if !ok {
			return
		}
		s.serveMedia(w, r, callID)
	})
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request, callID string) {
	// Statuses land in the history ring until the replay is cut, then go to
	// the live channel. One path per status, so the immediate snapshot the
	// subscription delivers is not written twice.
	history := util.NewRingBuffer[call.Status](statusHistory)
	events := make(chan call.Status, 32)
	var mu sync.Mutex
	replaying := true
	unsub, err := s.mgr.SubscribeStatus(r.Context(), callID, func(st call.Status) {
		mu.Lock()
		if replaying {
			history.Push(st)
			mu.Unlock()
			return
		}
		mu.Unlock()
		select {
		case events <- st:
		default:
		}
	})
	if err != nil {
		httpError(w, err)
		return
	}
	defer unsub()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("call", callID).Msg("status websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Drain incoming frames (ping/pong, close) without blocking.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	mu.Lock()
	replay := history.Snapshot()
	replaying = false
	mu.Unlock()
	for _, st := range replay {
		if err := conn.WriteJSON(st); err != nil {
			return
		}
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case st := <-events:
			if err := conn.WriteJSON(st); err != nil {
				return
			}
		}
	}
}

func (s *Server) serveMedia(w http.ResponseWriter, r *http.Request, callID string) {
	h, ok := s.mgr.Lookup(callID)
	if !ok {
		http.Error(w, "call not found", http.StatusNotFound)
		return
	}
	stream := h.PreviewStream()
	if stream == nil {
		http.Error(w, "no media attempt", http.StatusConflict)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("call", callID).Msg("media websocket upgrade failed")
		return
	}
	defer conn.Close()
	log.Debug().Str("call", callID).Msg("media websocket connected")

	dataCh, cancel := stream.Subscribe()
	defer cancel()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-dataCh:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		}
	}
}

type callRequest struct {
	CallID string `json:"call_id"`
}

func pathTail(w http.ResponseWriter, r *http.Request, prefix string) (string, bool) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return "", false
	}
	tail := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if tail == "" {
		http.Error(w, "missing call id", http.StatusBadRequest)
		return "", false
	}
	return tail, true
}

func handlePost[T any](mux *http.ServeMux, pattern string, fn func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		fn(w, r, req)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("write response failed")
	}
}

func httpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, call.ErrNotInCall):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, call.ErrCallNotActive), errors.Is(err, call.ErrBadTransition),
		errors.Is(err, signal.ErrCallInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
