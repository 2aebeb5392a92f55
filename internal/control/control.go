// ABOUTME: HTTP/WebSocket control endpoint for a running server
// ABOUTME: Status snapshots and per-client playout settings at runtime
package control

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/chorus-audio/chorus-go/internal/metadata"
	"github.com/chorus-audio/chorus-go/internal/server"
)

// Controller is the slice of the stream server the control surface needs.
type Controller interface {
	Sessions() []server.SessionInfo
	ConfigureClient(clientID string, update server.SettingsUpdate) bool
}

// Status is the JSON snapshot served to observers.
type Status struct {
	Name     string               `json:"name"`
	Sessions []server.SessionInfo `json:"sessions"`
	Metadata *metadata.Metadata   `json:"metadata,omitempty"`
}

// ClientSettingsRequest adjusts one client's playout at runtime. Absent
// fields leave the client's current values untouched.
type ClientSettingsRequest struct {
	ClientID string `json:"client_id"`
	BufferMs *int64 `json:"buffer_ms,omitempty"`
	Latency  *int64 `json:"latency,omitempty"`
	Volume   *int   `json:"volume,omitempty"`
	Muted    *bool  `json:"muted,omitempty"`
}

// Config configures the control endpoint.
type Config struct {
	// Addr is the HTTP listen address (default ":1780").
	Addr string

	// Name identifies the server in status snapshots.
	Name string
}

// Server exposes a running stream server over HTTP and WebSocket, the
// counterpart of the audio transport for dashboards and automations.
type Server struct {
	config     Config
	log        *logrus.Entry
	controller Controller
	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu   sync.RWMutex
	meta *metadata.Metadata
}

// NewServer creates a control endpoint over the given controller.
func NewServer(config Config, controller Controller) *Server {
	if config.Addr == "" {
		config.Addr = ":1780"
	}
	if config.Name == "" {
		config.Name = "chorus"
	}
	return &Server{
		config:     config,
		log:        logrus.WithField("component", "control"),
		controller: controller,
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// SetMetadata updates the tags reported in status snapshots.
func (s *Server) SetMetadata(meta *metadata.Metadata) {
	s.mu.Lock()
	s.meta = meta
	s.mu.Unlock()
}

// Handler returns the endpoint's routes, exposed for embedding into an
// existing HTTP server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/settings", s.handleSettings)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Start begins serving. Non-blocking.
func (s *Server) Start() error {
	s.httpServer = &http.Server{Addr: s.config.Addr, Handler: s.Handler()}

	s.log.WithField("addr", s.config.Addr).Info("Control endpoint listening")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("Control endpoint failed")
		}
	}()
	return nil
}

// Stop shuts the endpoint down.
func (s *Server) Stop() {
	if s.httpServer != nil {
		s.httpServer.Close()
	}
}

func (s *Server) status() Status {
	s.mu.RLock()
	meta := s.meta
	s.mu.RUnlock()
	return Status{
		Name:     s.config.Name,
		Sessions: s.controller.Sessions(),
		Metadata: meta,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.status())
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req ClientSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}
	if !s.applySettings(req) {
		http.Error(w, "no such client", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) applySettings(req ClientSettingsRequest) bool {
	return s.controller.ConfigureClient(req.ClientID, server.SettingsUpdate{
		BufferMs: req.BufferMs,
		Latency:  req.Latency,
		Volume:   req.Volume,
		Muted:    req.Muted,
	})
}

// handleWebSocket streams status snapshots once a second and accepts
// settings requests on the same socket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var req ClientSettingsRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if !s.applySettings(req) {
				s.log.WithField("client", req.ClientID).Warn("Settings for unknown client")
			}
		}
	}()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		if err := conn.WriteJSON(s.status()); err != nil {
			return
		}
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}
