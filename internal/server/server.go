// ABOUTME: Stream server owning client sessions over TCP
// ABOUTME: Accept loop, session table keyed by id, dispatch handling, chunk relay
package server

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/chorus-audio/chorus-go/pkg/protocol"
)

// Config configures a StreamServer.
type Config struct {
	// Addr is the TCP listen address (default ":1705").
	Addr string

	// Name identifies the server to clients and discovery.
	Name string

	// BufferMs is the initial playout window applied to new sessions
	// (default 1000).
	BufferMs int64
}

// SessionInfo is a read-only snapshot of one connected session.
type SessionInfo struct {
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id"`
	IP        string `json:"ip"`
	BufferMs  int64  `json:"buffer_ms"`
	Volume    int    `json:"volume"`
	Muted     bool   `json:"muted"`
	Stream    string `json:"stream,omitempty"`
}

// SettingsUpdate is a partial change to one client's playout settings.
// Nil fields keep their current values.
type SettingsUpdate struct {
	BufferMs *int64
	Latency  *int64
	Volume   *int
	Muted    *bool
}

// StreamServer accepts client connections and owns their sessions in a
// table keyed by session id. It implements MessageReceiver; dispatch
// callbacks look the session up by id before acting, so a late callback
// for a removed session is a no-op.
type StreamServer struct {
	config Config
	log    *logrus.Entry

	ln net.Listener

	mu       sync.RWMutex
	sessions map[string]*StreamSession
	stream   PcmStream // source relayed to newly attached sessions

	// OnCommand, when set, receives client command verbs. Runs on the
	// session's read goroutine; must not block.
	OnCommand func(s *StreamSession, cmd protocol.Command)

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// NewStreamServer creates a server with defaults applied.
func NewStreamServer(config Config) *StreamServer {
	if config.Addr == "" {
		config.Addr = ":1705"
	}
	if config.BufferMs == 0 {
		config.BufferMs = 1000
	}
	if config.Name == "" {
		config.Name = "chorus"
	}
	return &StreamServer{
		config:   config,
		log:      logrus.WithField("component", "server"),
		sessions: make(map[string]*StreamSession),
		stopped:  make(chan struct{}),
	}
}

// Start begins listening and accepting sessions.
func (sv *StreamServer) Start() error {
	ln, err := net.Listen("tcp", sv.config.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", sv.config.Addr, err)
	}
	sv.ln = ln
	sv.log.WithField("addr", ln.Addr().String()).Info("Listening")

	sv.wg.Add(1)
	go sv.acceptLoop()
	return nil
}

// Addr returns the bound listen address, nil before Start.
func (sv *StreamServer) Addr() net.Addr {
	if sv.ln == nil {
		return nil
	}
	return sv.ln.Addr()
}

func (sv *StreamServer) acceptLoop() {
	defer sv.wg.Done()

	for {
		conn, err := sv.ln.Accept()
		if err != nil {
			select {
			case <-sv.stopped:
				return
			default:
			}
			sv.log.WithError(err).Warn("Accept failed")
			continue
		}
		sv.addSession(conn)
	}
}

func (sv *StreamServer) addSession(conn net.Conn) {
	session := NewStreamSession(conn, sv)
	session.SetBufferMs(sv.config.BufferMs)

	sv.mu.Lock()
	sv.sessions[session.ID] = session
	if sv.stream != nil {
		session.SetPcmStream(sv.stream)
	}
	n := len(sv.sessions)
	sv.mu.Unlock()

	sv.log.WithFields(logrus.Fields{
		"ip":       session.IP(),
		"sessions": n,
	}).Info("Client connected")

	session.Start()
}

// OnMessageReceived implements MessageReceiver.
func (sv *StreamServer) OnMessageReceived(s *StreamSession, base protocol.BaseMessage, payload []byte) {
	if !sv.hasSession(s.ID) {
		return
	}

	switch base.Type {
	case protocol.TypeHello:
		var hello protocol.Hello
		if err := hello.UnmarshalPayload(payload); err != nil {
			sv.log.WithError(err).Warn("Malformed hello")
			return
		}
		sv.handleHello(s, hello)

	case protocol.TypeTime:
		// Echo the client-to-server latency; the client derives offset
		// and RTT from this and its own receive stamp.
		diff := base.Received.UnixMicro() - base.Sent.UnixMicro()
		s.SendTo(&protocol.Time{Latency: protocol.TimevalFromMicro(diff)}, base.ID)

	case protocol.TypeCommand:
		var cmd protocol.Command
		if err := cmd.UnmarshalPayload(payload); err != nil {
			sv.log.WithError(err).Warn("Malformed command")
			return
		}
		if sv.OnCommand != nil {
			sv.OnCommand(s, cmd)
		}

	default:
		sv.log.WithField("type", base.Type).Debug("Ignoring unexpected message")
	}
}

func (sv *StreamServer) handleHello(s *StreamSession, hello protocol.Hello) {
	s.SetClientID(hello.ClientID)
	sv.log.WithFields(logrus.Fields{
		"client": hello.ClientID,
		"host":   hello.HostName,
	}).Info("Client hello")

	settings := s.Settings()
	s.Send(&settings)

	if stream := s.PcmStream(); stream != nil {
		if ch := stream.CodecHeader(); ch != nil {
			s.SendAsync(ch, true)
		}
	}
}

// OnDisconnect implements MessageReceiver. Fires exactly once per failed
// session; removes it from the table.
func (sv *StreamServer) OnDisconnect(s *StreamSession) {
	sv.mu.Lock()
	delete(sv.sessions, s.ID)
	n := len(sv.sessions)
	sv.mu.Unlock()

	sv.log.WithFields(logrus.Fields{
		"client":   s.ClientID(),
		"sessions": n,
	}).Info("Client disconnected")
}

// SetStream attaches the source relayed to all current and future
// sessions and announces its codec header out of band.
func (sv *StreamServer) SetStream(stream PcmStream) {
	sv.mu.Lock()
	sv.stream = stream
	sessions := sv.snapshotLocked()
	sv.mu.Unlock()

	for _, s := range sessions {
		s.SetPcmStream(stream)
		if stream != nil {
			if ch := stream.CodecHeader(); ch != nil {
				s.SendAsync(ch, true)
			}
		}
	}
}

// PushChunk relays a timestamped chunk to every session. Sessions apply
// their own staleness gate and drop the chunk if no stream is attached.
func (sv *StreamServer) PushChunk(chunk *protocol.WireChunk) {
	for _, s := range sv.snapshot() {
		s.SendAsync(chunk, false)
	}
}

// Broadcast enqueues a message on every session. sendNow lets control
// messages skip ahead of queued audio.
func (sv *StreamServer) Broadcast(p protocol.Payload, sendNow bool) {
	for _, s := range sv.snapshot() {
		s.SendAsync(p, sendNow)
	}
}

// ConfigureClient merges a partial settings update into the session owned
// by the given client id and pushes the result. Returns false if no such
// client is connected.
func (sv *StreamServer) ConfigureClient(clientID string, update SettingsUpdate) bool {
	for _, s := range sv.snapshot() {
		if s.ClientID() != clientID {
			continue
		}
		settings := s.ApplySettings(update)
		s.SendAsync(&settings, true)
		return true
	}
	return false
}

// Sessions returns a snapshot of the connected sessions.
func (sv *StreamServer) Sessions() []SessionInfo {
	sessions := sv.snapshot()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		settings := s.Settings()
		info := SessionInfo{
			SessionID: s.ID,
			ClientID:  s.ClientID(),
			IP:        s.IP(),
			BufferMs:  settings.BufferMs,
			Volume:    settings.Volume,
			Muted:     settings.Muted,
		}
		if stream := s.PcmStream(); stream != nil {
			info.Stream = stream.ID()
		}
		infos = append(infos, info)
	}
	return infos
}

// Stop closes the listener and stops every session. Idempotent.
func (sv *StreamServer) Stop() {
	sv.stopOnce.Do(func() {
		close(sv.stopped)
		if sv.ln != nil {
			sv.ln.Close()
		}

		for _, s := range sv.snapshot() {
			s.Stop()
		}

		sv.mu.Lock()
		sv.sessions = make(map[string]*StreamSession)
		sv.mu.Unlock()

		sv.wg.Wait()
		sv.log.Info("Stopped")
	})
}

func (sv *StreamServer) hasSession(id string) bool {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	_, ok := sv.sessions[id]
	return ok
}

func (sv *StreamServer) snapshot() []*StreamSession {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	return sv.snapshotLocked()
}

func (sv *StreamServer) snapshotLocked() []*StreamSession {
	out := make([]*StreamSession, 0, len(sv.sessions))
	for _, s := range sv.sessions {
		out = append(out, s)
	}
	return out
}
