// Package sink implements the outward-facing endpoints a Controller
// publishes decoded log events and video frames to: a WebSocket message
// sink (CBOR-framed, following server/message_transport.go's
// wsMessageTransport) and an in-process channel sink for tests and the
// CLI's own debug harness, following
// server/service/event_broadcaster.go's subscribe/broadcast shape.
package sink

import (
	"log"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"drivelog/internal/wire"
)

// maxMessageSize bounds a single outbound frame, matching
// server/message_transport.go's MaxMessageSize.
const maxMessageSize = 16 * 1024 * 1024

// wireMessage is the on-the-wire shape of one published log event.
type wireMessage struct {
	Which    wire.Which `cbor:"which"`
	MonoTime uint64     `cbor:"mono_time"`
	Bytes    []byte     `cbor:"bytes"`
}

// WebSocketMessageSink publishes events to every currently-connected
// WebSocket client, CBOR-encoded as a binary frame per
// wsMessageTransport.WriteMessage. A slow client misses messages rather
// than stalling the publisher; it is not disconnected for being slow.
type WebSocketMessageSink struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan wireMessage
}

// NewWebSocketMessageSink builds an empty sink; clients attach via Add.
func NewWebSocketMessageSink() *WebSocketMessageSink {
	return &WebSocketMessageSink{clients: make(map[*websocket.Conn]chan wireMessage)}
}

// Add registers conn as a publish target and starts its writer
// goroutine. Returns a function that unregisters and closes conn.
func (s *WebSocketMessageSink) Add(conn *websocket.Conn) (remove func()) {
	ch := make(chan wireMessage, 256)
	s.mu.Lock()
	s.clients[conn] = ch
	s.mu.Unlock()

	go s.writeLoop(conn, ch)

	return func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		close(ch)
		conn.Close()
	}
}

func (s *WebSocketMessageSink) writeLoop(conn *websocket.Conn, ch chan wireMessage) {
	for msg := range ch {
		data, err := cbor.Marshal(msg)
		if err != nil {
			log.Printf("sink: encode message: %v", err)
			continue
		}
		if len(data) > maxMessageSize {
			log.Printf("sink: dropping oversized message (%d bytes)", len(data))
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			log.Printf("sink: write failed, dropping client: %v", err)
			return
		}
	}
}

// Publish implements controller.MessageSink, fanning the event out to
// every connected client's buffered channel. A client whose buffer is
// full misses this message rather than backpressuring the replay loop;
// the client itself stays registered.
func (s *WebSocketMessageSink) Publish(which wire.Which, monoTime uint64, bytes []byte) error {
	msg := wireMessage{Which: which, MonoTime: monoTime, Bytes: bytes}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for conn, ch := range s.clients {
		select {
		case ch <- msg:
		default:
			log.Printf("sink: client buffer full, dropping message for %v", conn.RemoteAddr())
		}
	}
	return nil
}

// Close disconnects every client.
func (s *WebSocketMessageSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, ch := range s.clients {
		close(ch)
		conn.Close()
		delete(s.clients, conn)
	}
	return nil
}

// ChannelMessageSink is an in-process MessageSink for tests and the
// CLI's debug inspector: every published event is broadcast to every
// currently-subscribed channel, following
// server/service/event_broadcaster.go's Subscribe/Broadcast split.
type ChannelMessageSink struct {
	mu   sync.RWMutex
	subs map[chan wireMessage]struct{}
}

// NewChannelMessageSink builds an empty in-process sink.
func NewChannelMessageSink() *ChannelMessageSink {
	return &ChannelMessageSink{subs: make(map[chan wireMessage]struct{})}
}

// Subscribe returns a channel of published events and an unsubscribe
// function. The channel is buffered; a slow subscriber misses events
// rather than blocking the publisher.
func (s *ChannelMessageSink) Subscribe() (<-chan wireMessage, func()) {
	ch := make(chan wireMessage, 256)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
}

// Publish implements controller.MessageSink.
func (s *ChannelMessageSink) Publish(which wire.Which, monoTime uint64, bytes []byte) error {
	msg := wireMessage{Which: which, MonoTime: monoTime, Bytes: bytes}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}
