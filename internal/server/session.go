// ABOUTME: Per-client session transport over a framed TCP connection
// ABOUTME: Header-then-body reads, sync and queued-async writes, one write in flight
package server

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chorus-audio/chorus-go/pkg/protocol"
)

// MessageReceiver is the dispatch interface a session hands received
// frames and disconnect events to. The session is the sole caller.
// Implementations run on the session's read goroutine and must not block
// significantly; a stall delays that session's subsequent reads. They must
// not assume any particular calling goroutine.
type MessageReceiver interface {
	// OnMessageReceived is invoked once a frame's payload has been fully
	// received. The payload slice is owned by the receiver after return.
	OnMessageReceived(s *StreamSession, base protocol.BaseMessage, payload []byte)

	// OnDisconnect is invoked exactly once when the session terminates on
	// a read or write error. Sessions stopped explicitly via Stop do not
	// report back to their own stopper.
	OnDisconnect(s *StreamSession)
}

// PcmStream is the external source of timestamped chunks a session
// relays. The session holds a non-owning reference; lifetime is managed
// by the controller.
type PcmStream interface {
	ID() string
	CodecHeader() *protocol.CodecHeader
}

// StreamSession is the endpoint for one connected client. Messages are
// sent with Send (synchronous) or SendAsync (queued); received frames are
// passed to the MessageReceiver. Any I/O error is terminal: there is no
// reconnect at this layer, a controller reconnects with a new session.
type StreamSession struct {
	// ID identifies the session within the server's session table.
	ID string

	conn     net.Conn
	receiver MessageReceiver
	log      *logrus.Entry

	mu       sync.Mutex // guards queue, draining, settings, stream, clientID, nextID
	queue    [][]byte   // encoded frames awaiting the async writer
	draining bool
	bufferMs int64 // max playout latency in ms; older chunks are not enqueued
	latency  int64
	volume   int
	muted    bool
	stream   PcmStream
	clientID string
	nextID   uint16

	wmu sync.Mutex // serializes socket writes between Send and the drainer

	started      atomic.Bool
	disconnected atomic.Bool
	stopped      atomic.Bool
	discOnce     sync.Once
}

// NewStreamSession wraps an accepted connection. Received messages are
// passed to receiver once Start is called.
func NewStreamSession(conn net.Conn, receiver MessageReceiver) *StreamSession {
	id := uuid.New().String()
	return &StreamSession{
		ID:       id,
		conn:     conn,
		receiver: receiver,
		volume:   100,
		log:      logrus.WithField("component", "session").WithField("session", id[:8]),
	}
}

// Start begins the continuous read chain. Each completed header read
// triggers a body read of exactly Size bytes; each completed body read
// dispatches the frame. Only one read is ever outstanding per session.
func (s *StreamSession) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.readLoop()
}

// Stop cancels the connection, causing any outstanding read or write to
// fail, and discards the pending queue. Idempotent and safe to call from
// any goroutine, including concurrently with in-flight I/O. No dispatch
// callback fires after Stop.
func (s *StreamSession) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.disconnected.Store(true)
	s.conn.Close()

	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
}

// Disconnected reports whether the session has reached its terminal state.
func (s *StreamSession) Disconnected() bool {
	return s.disconnected.Load()
}

// IP returns the remote address of the live socket, or the empty string
// once the socket is closed.
func (s *StreamSession) IP() string {
	addr := s.conn.RemoteAddr()
	if addr == nil || s.disconnected.Load() {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// SetClientID records the identity the client announced in its hello.
// Stable for the connection lifetime.
func (s *StreamSession) SetClientID(id string) {
	s.mu.Lock()
	s.clientID = id
	s.mu.Unlock()
}

// ClientID returns the announced client identity, empty before the hello.
func (s *StreamSession) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// SetBufferMs updates the max playout latency. Chunks older than this are
// not worth sending: the client would discard them unplayed. Takes effect
// for subsequently enqueued messages only.
func (s *StreamSession) SetBufferMs(ms int64) {
	s.mu.Lock()
	s.bufferMs = ms
	s.mu.Unlock()
}

// BufferMs returns the current playout latency threshold in milliseconds.
func (s *StreamSession) BufferMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufferMs
}

// Settings returns the playout settings currently applied to this session.
func (s *StreamSession) Settings() protocol.ServerSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settingsLocked()
}

// ApplySettings merges a partial update into the session's settings and
// returns the result. Omitted fields keep their current values, so a
// latency change never clobbers volume or mute state.
func (s *StreamSession) ApplySettings(update SettingsUpdate) protocol.ServerSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	if update.BufferMs != nil {
		s.bufferMs = *update.BufferMs
	}
	if update.Latency != nil {
		s.latency = *update.Latency
	}
	if update.Volume != nil {
		s.volume = *update.Volume
	}
	if update.Muted != nil {
		s.muted = *update.Muted
	}
	return s.settingsLocked()
}

func (s *StreamSession) settingsLocked() protocol.ServerSettings {
	return protocol.ServerSettings{
		BufferMs: s.bufferMs,
		Latency:  s.latency,
		Volume:   s.volume,
		Muted:    s.muted,
	}
}

// SetPcmStream associates the stream this session relays.
func (s *StreamSession) SetPcmStream(stream PcmStream) {
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
}

// PcmStream returns the associated stream, nil if none is attached.
func (s *StreamSession) PcmStream() PcmStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// Send serializes and writes the message on the calling goroutine,
// blocking until the OS accepts the bytes. Returns false on any failure,
// including a send after disconnection, which is a no-op. Used for small
// control messages where queuing delay is unacceptable.
func (s *StreamSession) Send(p protocol.Payload) bool {
	return s.SendTo(p, 0)
}

// SendTo is Send with an explicit refersTo id for request/response
// pairing.
func (s *StreamSession) SendTo(p protocol.Payload, refersTo uint16) bool {
	if s.disconnected.Load() {
		return false
	}
	frame, err := protocol.Compose(p, s.takeID(), refersTo)
	if err != nil {
		s.log.WithError(err).Error("Failed to serialize message")
		return false
	}
	return s.writeFrame(frame)
}

// SendAsync enqueues the message for asynchronous transmission. With
// sendNow the message preempts the queue and is sent next, ahead of any
// queued-but-not-in-flight chunks. Safe for concurrent producers. Chunks
// older than bufferMs, and chunks on a session with no attached stream,
// are silently dropped.
func (s *StreamSession) SendAsync(p protocol.Payload, sendNow bool) {
	if s.disconnected.Load() {
		return
	}

	if chunk, ok := p.(*protocol.WireChunk); ok {
		s.mu.Lock()
		noStream := s.stream == nil
		bufferMs := s.bufferMs
		s.mu.Unlock()

		if noStream {
			return
		}
		if bufferMs > 0 && chunk.Age(time.Now()) > time.Duration(bufferMs)*time.Millisecond {
			s.log.WithFields(logrus.Fields{
				"age_ms":    chunk.Age(time.Now()).Milliseconds(),
				"buffer_ms": bufferMs,
			}).Debug("Dropping stale chunk")
			return
		}
	}

	frame, err := protocol.Compose(p, s.takeID(), 0)
	if err != nil {
		s.log.WithError(err).Error("Failed to serialize message")
		return
	}

	s.mu.Lock()
	if s.disconnected.Load() {
		s.mu.Unlock()
		return
	}
	if sendNow {
		s.queue = append([][]byte{frame}, s.queue...)
	} else {
		s.queue = append(s.queue, frame)
	}
	spawn := !s.draining
	if spawn {
		s.draining = true
	}
	s.mu.Unlock()

	if spawn {
		go s.drainQueue()
	}
}

// drainQueue writes queued frames one at a time. A new write is only
// issued once the previous one completed, so frames never interleave on
// the wire.
func (s *StreamSession) drainQueue() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.disconnected.Load() {
			s.draining = false
			s.mu.Unlock()
			return
		}
		frame := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if !s.writeFrame(frame) {
			s.mu.Lock()
			s.queue = nil
			s.draining = false
			s.mu.Unlock()
			return
		}
	}
}

// writeFrame performs one wire write. The wire mutex is the single-writer
// discipline: it is never held across anything but the write itself.
func (s *StreamSession) writeFrame(frame []byte) bool {
	s.wmu.Lock()
	_, err := s.conn.Write(frame)
	s.wmu.Unlock()
	if err != nil {
		s.teardown(err)
		return false
	}
	return true
}

func (s *StreamSession) takeID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	if s.nextID == 0 {
		s.nextID = 1
	}
	return s.nextID
}

// readLoop is the session's continuous read chain. It exits on the first
// error, which is terminal for the session.
func (s *StreamSession) readLoop() {
	header := make([]byte, protocol.HeaderSize)
	for {
		if _, err := io.ReadFull(s.conn, header); err != nil {
			s.teardown(err)
			return
		}

		base, err := protocol.DecodeHeader(header)
		if err != nil {
			// Protocol violation: never attempt the payload read.
			s.log.WithError(err).WithField("type", base.Type).Warn("Rejecting malformed frame")
			s.teardown(err)
			return
		}

		payload := make([]byte, base.Size)
		if _, err := io.ReadFull(s.conn, payload); err != nil {
			s.teardown(err)
			return
		}
		base.Received = protocol.Now()

		s.receiver.OnMessageReceived(s, base, payload)
	}
}

// teardown moves the session to its terminal state. The disconnect
// callback fires at most once, and not at all when the session was
// stopped explicitly.
func (s *StreamSession) teardown(err error) {
	if !s.disconnected.CompareAndSwap(false, true) {
		return
	}
	s.conn.Close()

	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()

	if s.stopped.Load() {
		return
	}
	s.log.WithError(err).Debug("Session terminated")
	s.discOnce.Do(func() {
		s.receiver.OnDisconnect(s)
	})
}
