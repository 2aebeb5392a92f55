// ABOUTME: Client connection to a chorus server
// ABOUTME: Hello handshake, frame read loop, periodic time-sync rounds
package client

import (
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chorus-audio/chorus-go/internal/stream"
	chsync "github.com/chorus-audio/chorus-go/internal/sync"
	"github.com/chorus-audio/chorus-go/pkg/audio"
	"github.com/chorus-audio/chorus-go/pkg/protocol"
)

// Config configures a Connection.
type Config struct {
	// ServerAddr is the server's host:port (required).
	ServerAddr string

	// ClientID is the stable identity announced in the hello. A fresh
	// uuid is generated when empty.
	ClientID string

	// ClientName is the human-readable player name.
	ClientName string

	// BufferMs is the initial playout window until the server pushes its
	// settings (default 1000).
	BufferMs int64

	// OnSettings, when set, receives server-pushed playout settings.
	// Called on the read goroutine; must not block.
	OnSettings func(protocol.ServerSettings)

	// OnCodecHeader, when set, fires when the stream format changes.
	OnCodecHeader func(*protocol.CodecHeader)

	// OnDisconnect, when set, fires exactly once when the connection
	// terminates on an I/O error. Reconnecting means a new Connection.
	OnDisconnect func(err error)
}

// Connection is the transport-level link from a player to the server.
// It deframes incoming messages, feeds chunks into the timing buffer,
// and keeps the clock estimate fresh. Any I/O error is terminal.
type Connection struct {
	config Config
	log    *logrus.Entry

	conn   net.Conn
	stream *stream.Stream
	clock  *chsync.ClockSync

	mu         sync.Mutex // guards writes, nextID, pending, onSettings
	nextID     uint16
	pending    map[uint16]int64 // outstanding time-sync ids to t1 micros
	onSettings func(protocol.ServerSettings)

	started  bool
	stopped  chan struct{}
	stopOnce sync.Once
	discOnce sync.Once
}

// NewConnection creates an unconnected client. The timing buffer exists
// up front so a player can be wired before Connect.
func NewConnection(config Config) *Connection {
	if config.ClientID == "" {
		config.ClientID = uuid.New().String()
	}
	if config.BufferMs == 0 {
		config.BufferMs = 1000
	}

	clock := chsync.NewClockSync()
	st := stream.New(audio.DefaultFormat, config.BufferMs)
	st.SetClockOffset(clock.Offset)

	return &Connection{
		config:     config,
		log:        logrus.WithField("component", "client"),
		stream:     st,
		clock:      clock,
		pending:    make(map[uint16]int64),
		onSettings: config.OnSettings,
		stopped:    make(chan struct{}),
	}
}

// SetSettingsHandler replaces the server-settings callback, for wiring a
// component built after the connection (e.g. the player).
func (c *Connection) SetSettingsHandler(fn func(protocol.ServerSettings)) {
	c.mu.Lock()
	c.onSettings = fn
	c.mu.Unlock()
}

// Stream returns the timing buffer fed by this connection.
func (c *Connection) Stream() *stream.Stream {
	return c.stream
}

// Clock returns the clock sync estimator.
func (c *Connection) Clock() *chsync.ClockSync {
	return c.clock
}

// Connect dials the server, announces the client, and starts the read
// and time-sync loops.
func (c *Connection) Connect() error {
	conn, err := net.Dial("tcp", c.config.ServerAddr)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", c.config.ServerAddr, err)
	}
	c.conn = conn
	c.started = true

	host, _ := os.Hostname()
	hello := &protocol.Hello{
		ClientID:   c.config.ClientID,
		HostName:   host,
		ClientName: c.config.ClientName,
		Version:    "0.1.0",
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
	}
	if !c.send(hello, 0) {
		conn.Close()
		return fmt.Errorf("client: hello failed")
	}
	c.log.WithField("server", c.config.ServerAddr).Info("Connected")

	go c.readLoop()
	go c.timeSyncLoop()
	return nil
}

// Close tears the connection down. Idempotent; no callback fires after
// Close returns.
func (c *Connection) Close() {
	c.stopOnce.Do(func() {
		close(c.stopped)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// send serializes and writes one frame. Returns false on failure.
func (c *Connection) send(p protocol.Payload, refersTo uint16) bool {
	c.mu.Lock()
	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1
	}
	id := c.nextID
	frame, err := protocol.Compose(p, id, refersTo)
	if err != nil {
		c.mu.Unlock()
		c.log.WithError(err).Error("Failed to serialize message")
		return false
	}
	_, err = c.conn.Write(frame)
	c.mu.Unlock()

	if err != nil {
		c.teardown(err)
		return false
	}
	return true
}

func (c *Connection) readLoop() {
	header := make([]byte, protocol.HeaderSize)
	for {
		if _, err := io.ReadFull(c.conn, header); err != nil {
			c.teardown(err)
			return
		}
		base, err := protocol.DecodeHeader(header)
		if err != nil {
			c.teardown(err)
			return
		}
		payload := make([]byte, base.Size)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			c.teardown(err)
			return
		}
		base.Received = protocol.Now()

		c.dispatch(base, payload)
	}
}

func (c *Connection) dispatch(base protocol.BaseMessage, payload []byte) {
	switch base.Type {
	case protocol.TypeWireChunk:
		chunk := &protocol.WireChunk{}
		if err := chunk.UnmarshalPayload(payload); err != nil {
			c.log.WithError(err).Warn("Malformed chunk")
			return
		}
		c.stream.Push(chunk)

	case protocol.TypeServerSettings:
		var settings protocol.ServerSettings
		if err := settings.UnmarshalPayload(payload); err != nil {
			c.log.WithError(err).Warn("Malformed server settings")
			return
		}
		if settings.BufferMs > 0 {
			c.stream.SetBufferMs(settings.BufferMs - settings.Latency)
		}
		c.log.WithFields(logrus.Fields{
			"buffer_ms": settings.BufferMs,
			"volume":    settings.Volume,
		}).Info("Server settings")
		c.mu.Lock()
		handler := c.onSettings
		c.mu.Unlock()
		if handler != nil {
			handler(settings)
		}

	case protocol.TypeCodecHeader:
		ch := &protocol.CodecHeader{}
		if err := ch.UnmarshalPayload(payload); err != nil {
			c.log.WithError(err).Warn("Malformed codec header")
			return
		}
		if ch.Format.Valid() {
			c.stream.SetFormat(ch.Format)
		}
		c.log.WithFields(logrus.Fields{
			"codec":  ch.Codec,
			"format": ch.Format.String(),
		}).Info("Codec header")
		if c.config.OnCodecHeader != nil {
			c.config.OnCodecHeader(ch)
		}

	case protocol.TypeTime:
		c.handleTimeResponse(base, payload)

	default:
		c.log.WithField("type", base.Type).Debug("Ignoring unexpected message")
	}
}

// handleTimeResponse pairs the response to its request via refersTo and
// feeds the four round-trip timestamps to the clock estimator.
func (c *Connection) handleTimeResponse(base protocol.BaseMessage, payload []byte) {
	var tm protocol.Time
	if err := tm.UnmarshalPayload(payload); err != nil {
		c.log.WithError(err).Warn("Malformed time response")
		return
	}

	c.mu.Lock()
	t1, ok := c.pending[base.RefersTo]
	delete(c.pending, base.RefersTo)
	c.mu.Unlock()
	if !ok {
		c.log.WithField("refers_to", base.RefersTo).Debug("Unpaired time response")
		return
	}

	t2 := t1 + tm.Latency.UnixMicro() // server receive, reconstructed from the echoed diff
	t3 := base.Sent.UnixMicro()
	t4 := base.Received.UnixMicro()
	c.clock.ProcessSyncResponse(t1, t2, t3, t4)
}

// timeSyncLoop runs an initial burst of rounds so playback starts with a
// usable offset, then keeps a steady cadence.
func (c *Connection) timeSyncLoop() {
	for i := 0; i < 5; i++ {
		c.sendTimeSync()
		select {
		case <-c.stopped:
			return
		case <-time.After(100 * time.Millisecond):
		}
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopped:
			return
		case <-ticker.C:
			c.sendTimeSync()
		}
	}
}

func (c *Connection) sendTimeSync() {
	c.mu.Lock()
	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1
	}
	id := c.nextID
	c.pending[id] = time.Now().UnixMicro()
	// Shed stale entries for responses that never came.
	if len(c.pending) > 16 {
		for k := range c.pending {
			if k != id {
				delete(c.pending, k)
			}
		}
	}
	frame, err := protocol.Compose(&protocol.Time{}, id, 0)
	if err != nil {
		c.mu.Unlock()
		return
	}
	_, err = c.conn.Write(frame)
	c.mu.Unlock()

	if err != nil {
		c.teardown(err)
	}
}

// teardown moves the connection to its terminal state. The disconnect
// callback fires at most once and not after an explicit Close.
func (c *Connection) teardown(err error) {
	select {
	case <-c.stopped:
		return
	default:
	}
	c.conn.Close()
	c.discOnce.Do(func() {
		c.log.WithError(err).Info("Disconnected")
		if c.config.OnDisconnect != nil {
			c.config.OnDisconnect(err)
		}
	})
}
