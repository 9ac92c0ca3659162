// Package controlrpc exposes the Controller's Play/Pause/Seek/SetSpeed
// surface over HTTP, for an out-of-process UI to drive a running replay
// without linking Go. Requests/responses are JSON, following
// relay/http_api.go's mux.HandleFunc-per-endpoint style; progress
// updates stream over a CBOR WebSocket, following
// server/message_transport.go's wsMessageTransport.
package controlrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"drivelog/internal/authtoken"
	"drivelog/internal/controller"
	"drivelog/internal/framedispatch"
)

// videoSink is the subset of pkg/sink.WebRTCVideoSink the offer/answer
// handler needs, kept as an interface here so controlrpc doesn't import
// pkg/sink (which would cycle back through framedispatch).
type videoSink interface {
	Track(cam framedispatch.CameraName) (*webrtc.TrackLocalStaticSample, bool)
	AddPeer(sessionID string, pc *webrtc.PeerConnection)
	RemovePeer(sessionID string)
}

// Service mounts the control surface for a single Controller instance.
// One replay process drives one route, so one Service is enough.
type Service struct {
	ctrl     *controller.Controller
	verifier *authtoken.Generator
	video    videoSink

	progMu     sync.Mutex
	progSubs   map[chan progressMsg]struct{}
	lastCurSec float64
	lastTotSec float64
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewService builds a Service. verifier may be nil, in which case every
// request is accepted unauthenticated (local/dev use).
func NewService(ctrl *controller.Controller, verifier *authtoken.Generator) *Service {
	s := &Service{
		ctrl:     ctrl,
		verifier: verifier,
		progSubs: make(map[chan progressMsg]struct{}),
	}
	ctrl.OnUpdateProgress(s.broadcastProgress)
	return s
}

// SetVideoSink attaches the WebRTC video sink whose camera tracks get
// negotiated by handleWebRTCOffer. Without one, the offer endpoint
// responds 503. Separate from NewService since the sink and the
// Controller are constructed independently by cmd/replay/main.go.
func (s *Service) SetVideoSink(v videoSink) {
	s.video = v
}

// Handler returns the mux to mount (directly, or behind h2c.NewHandler
// for HTTP/2-without-TLS the way cmd/server/main.go serves its Connect
// services).
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/replay/play", s.withAuth(s.handlePlay))
	mux.HandleFunc("/v1/replay/pause", s.withAuth(s.handlePause))
	mux.HandleFunc("/v1/replay/seek", s.withAuth(s.handleSeek))
	mux.HandleFunc("/v1/replay/speed", s.withAuth(s.handleSpeed))
	mux.HandleFunc("/v1/replay/seek-flag", s.withAuth(s.handleSeekFlag))
	mux.HandleFunc("/v1/replay/stop", s.withAuth(s.handleStop))
	mux.HandleFunc("/v1/replay/state", s.withAuth(s.handleState))
	mux.HandleFunc("/v1/replay/progress", s.withAuth(s.handleProgressStream))
	mux.HandleFunc("/v1/replay/webrtc/offer", s.withAuth(s.handleWebRTCOffer))
	return mux
}

// withAuth rejects requests lacking a valid bearer token, mirroring
// relay/authorize_http.go's requireAuth, adapted from a session cookie
// to an Authorization header since this surface has no browser login.
func (s *Service) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.verifier == nil {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		tok, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tok == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, err := s.verifier.Verify(tok); err != nil {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type seekRequest struct {
	Seconds  float64 `json:"seconds"`
	Relative bool    `json:"relative"`
}

type speedRequest struct {
	Speed float64 `json:"speed"`
}

type playRequest struct {
	Seconds float64 `json:"seconds"`
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

type seekFlagRequest struct {
	Flag string `json:"flag"` // "on" or "off"
}

type stateResponse struct {
	State string `json:"state"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) handlePlay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req playRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ctrl.Start(req.Seconds); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, stateResponse{State: s.ctrl.StateName()})
}

func (s *Service) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req pauseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ctrl.Pause(req.Paused); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, stateResponse{State: s.ctrl.StateName()})
}

func (s *Service) handleSeek(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req seekRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ctrl.SeekTo(req.Seconds, req.Relative); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, stateResponse{State: s.ctrl.StateName()})
}

func (s *Service) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req speedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ctrl.SetSpeed(req.Speed); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, stateResponse{State: s.ctrl.StateName()})
}

func (s *Service) handleSeekFlag(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req seekFlagRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var flag controller.EngagementFlag
	switch req.Flag {
	case "on":
		flag = controller.EngagementOn
	case "off":
		flag = controller.EngagementOff
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("flag must be \"on\" or \"off\", got %q", req.Flag))
		return
	}
	if err := s.ctrl.SeekToFlag(flag); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, stateResponse{State: s.ctrl.StateName()})
}

func (s *Service) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.ctrl.Stop(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, stateResponse{State: s.ctrl.StateName()})
}

type webrtcOfferRequest struct {
	SDP string `json:"sdp"`
}

type webrtcAnswerResponse struct {
	SessionID string `json:"session_id"`
	SDP       string `json:"sdp"`
}

// handleWebRTCOffer negotiates a new peer connection carrying every
// camera track the attached video sink exposes, the signaling half of
// what server/webrtc/session.go's SDP exchange does for a live node
// connection, adapted to a single fixed set of outbound tracks instead
// of a negotiated offer/answer over a relayed data channel. Each
// accepted offer gets a fresh session id so the peer can be torn down
// independently later (on ICE failure, here; via an explicit teardown
// endpoint in the source's node/session model).
func (s *Service) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.video == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("no video sink attached"))
		return
	}
	var req webrtcOfferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("create peer connection: %w", err))
		return
	}

	for _, cam := range []framedispatch.CameraName{
		framedispatch.CameraRoadName,
		framedispatch.CameraDriverName,
		framedispatch.CameraWideName,
	} {
		track, ok := s.video.Track(cam)
		if !ok {
			continue
		}
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			writeError(w, http.StatusInternalServerError, fmt.Errorf("add track for %s: %w", cam, err))
			return
		}
	}

	sessionID := uuid.NewString()
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			s.video.RemovePeer(sessionID)
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: req.SDP}); err != nil {
		pc.Close()
		writeError(w, http.StatusBadRequest, fmt.Errorf("set remote description: %w", err))
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		writeError(w, http.StatusInternalServerError, fmt.Errorf("create answer: %w", err))
		return
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		writeError(w, http.StatusInternalServerError, fmt.Errorf("set local description: %w", err))
		return
	}
	<-gatherComplete

	s.video.AddPeer(sessionID, pc)
	writeJSON(w, webrtcAnswerResponse{SessionID: sessionID, SDP: pc.LocalDescription().SDP})
}

func (s *Service) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, stateResponse{State: s.ctrl.StateName()})
}

// progressMsg is what rides the WebSocket, CBOR-encoded, one frame per
// Controller.OnUpdateProgress tick.
type progressMsg struct {
	CurrentSeconds float64 `cbor:"current_seconds"`
	TotalSeconds   float64 `cbor:"total_seconds"`
	State          string  `cbor:"state"`
}

func (s *Service) broadcastProgress(curSeconds, totalSeconds float64) {
	s.progMu.Lock()
	s.lastCurSec, s.lastTotSec = curSeconds, totalSeconds
	subs := make([]chan progressMsg, 0, len(s.progSubs))
	for ch := range s.progSubs {
		subs = append(subs, ch)
	}
	s.progMu.Unlock()

	msg := progressMsg{CurrentSeconds: curSeconds, TotalSeconds: totalSeconds, State: s.ctrl.StateName()}
	for _, ch := range subs {
		select {
		case ch <- msg:
		default: // slow subscriber, drop the tick rather than stall playback
		}
	}
}

// handleProgressStream upgrades to a WebSocket and pushes a progressMsg
// on every OnUpdateProgress tick until the client disconnects.
func (s *Service) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("controlrpc: progress upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := make(chan progressMsg, 4)
	s.progMu.Lock()
	s.progSubs[ch] = struct{}{}
	cur, tot := s.lastCurSec, s.lastTotSec
	s.progMu.Unlock()
	defer func() {
		s.progMu.Lock()
		delete(s.progSubs, ch)
		s.progMu.Unlock()
	}()

	// Prime the client with the last known position rather than making
	// it wait for the next tick.
	if err := writeProgressFrame(conn, progressMsg{CurrentSeconds: cur, TotalSeconds: tot, State: s.ctrl.StateName()}); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go drainReads(conn, cancel)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			if err := writeProgressFrame(conn, msg); err != nil {
				return
			}
		}
	}
}

// drainReads discards client reads (this stream is server-push only)
// and cancels ctx once the connection drops.
func drainReads(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeProgressFrame(conn *websocket.Conn, msg progressMsg) error {
	data, err := cbor.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode progress frame: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}
