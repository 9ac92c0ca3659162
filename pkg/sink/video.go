package sink

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"drivelog/internal/framedispatch"
)

// WebRTCVideoSink publishes decoded RGB frames as one
// TrackLocalStaticSample per camera stream, the Go analogue of the
// source's shared-memory video server. One sink serves every peer
// connection added via AddPeer, following server/webrtc/session.go's
// session-registry shape (uuid session ids, closeOnce teardown) but
// built directly on pion/webrtc/v4 rather than go2rtc, since there is
// no pre-recorded-file media source in go2rtc's producer model.
type WebRTCVideoSink struct {
	width, height int

	mu     sync.RWMutex
	tracks map[framedispatch.CameraName]*webrtc.TrackLocalStaticSample
	peers  map[string]*webrtc.PeerConnection
}

// mimeType is a non-standard but self-descriptive MIME type: these
// tracks never go through a real video codec, they carry raw decoded
// RGB24 samples straight from internal/videoframe.
const mimeType = "video/RGB24"

// NewWebRTCVideoSink builds a sink with one track per camera name.
func NewWebRTCVideoSink(width, height int) (*WebRTCVideoSink, error) {
	s := &WebRTCVideoSink{
		width:  width,
		height: height,
		tracks: make(map[framedispatch.CameraName]*webrtc.TrackLocalStaticSample),
		peers:  make(map[string]*webrtc.PeerConnection),
	}
	for _, cam := range []framedispatch.CameraName{
		framedispatch.CameraRoadName,
		framedispatch.CameraDriverName,
		framedispatch.CameraWideName,
	} {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: mimeType},
			string(cam),
			"drivelog-"+string(cam),
		)
		if err != nil {
			return nil, fmt.Errorf("create track for %s: %w", cam, err)
		}
		s.tracks[cam] = track
	}
	return s, nil
}

// Track returns the local track for a camera, for AddPeer callers that
// need to add it to a peer connection before answering an offer.
func (s *WebRTCVideoSink) Track(cam framedispatch.CameraName) (*webrtc.TrackLocalStaticSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tracks[cam]
	return t, ok
}

// AddPeer registers pc (already negotiated with every camera track
// added) under sessionID so it can be torn down by RemovePeer.
func (s *WebRTCVideoSink) AddPeer(sessionID string, pc *webrtc.PeerConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[sessionID] = pc
}

// RemovePeer closes and forgets the peer connection for sessionID.
func (s *WebRTCVideoSink) RemovePeer(sessionID string) {
	s.mu.Lock()
	pc, ok := s.peers[sessionID]
	delete(s.peers, sessionID)
	s.mu.Unlock()
	if ok {
		if err := pc.Close(); err != nil {
			log.Printf("sink: close peer %s: %v", sessionID, err)
		}
	}
}

// PushFrame implements framedispatch.Sink, writing rgb as one media
// sample to the camera's track. Every currently-connected peer receives
// it; there is no per-peer subscription filtering since a replay has
// exactly one timeline.
func (s *WebRTCVideoSink) PushFrame(camera framedispatch.CameraName, rgb []byte, width, height int) error {
	s.mu.RLock()
	track, ok := s.tracks[camera]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no track registered for camera %q", camera)
	}
	return track.WriteSample(media.Sample{Data: rgb, Duration: frameDuration})
}

// frameDuration is a placeholder sample duration; real pacing comes
// from how often the replay loop calls PushFrame, not from this value.
const frameDuration = 33 * time.Millisecond

// Close tears down every registered peer connection.
func (s *WebRTCVideoSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for id, pc := range s.peers {
		if err := pc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.peers, id)
	}
	return firstErr
}

// ChannelVideoSink is an in-process VideoSink for tests: every pushed
// frame is recorded so a test can assert on what was dispatched,
// mirroring framedispatch_test.go's fakeSink.
type ChannelVideoSink struct {
	mu     sync.Mutex
	frames []PushedFrame
}

// PushedFrame is one recorded call to ChannelVideoSink.PushFrame.
type PushedFrame struct {
	Camera        framedispatch.CameraName
	Width, Height int
	Bytes         int
}

// NewChannelVideoSink builds an empty recording sink.
func NewChannelVideoSink() *ChannelVideoSink { return &ChannelVideoSink{} }

// PushFrame implements framedispatch.Sink.
func (s *ChannelVideoSink) PushFrame(camera framedispatch.CameraName, rgb []byte, width, height int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, PushedFrame{Camera: camera, Width: width, Height: height, Bytes: len(rgb)})
	return nil
}

// Frames returns a copy of every frame pushed so far.
func (s *ChannelVideoSink) Frames() []PushedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PushedFrame, len(s.frames))
	copy(out, s.frames)
	return out
}
