// Package status exposes live synchronization state over WebSocket.
//
// The server subscribes to the sync engine's event stream and fans sync
// progress out to connected clients, alongside periodic queue statistics.
// Local tooling (tray icons, editor plugins) connects to watch the queue
// drain without polling the database.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/satchel-sync/satchel/internal/engine"
)

// MessageType identifies a status broadcast.
type MessageType string

const (
	// MessageTypeSyncStarted is sent when a drain pass begins.
	MessageTypeSyncStarted MessageType = "sync_started"

	// MessageTypeSyncComplete is sent when a drain pass finishes, with
	// the pass counts attached.
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeQueueStats carries periodic queue statistics.
	MessageTypeQueueStats MessageType = "queue_stats"
)

// Message is the wire format for status broadcasts.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Config holds server configuration.
type Config struct {
	// Port to listen on. Port 0 picks a free port (tests).
	Port int

	// StatsInterval is how often queue statistics are broadcast.
	// Defaults to 5s.
	StatsInterval time.Duration

	// Logger for server activity.
	Logger *log.Logger
}

// Server broadcasts engine activity to WebSocket clients.
type Server struct {
	engine   *engine.Engine
	addr     string
	interval time.Duration
	logger   *log.Logger

	listener net.Listener
	server   *http.Server

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a status server bound to the engine.
func NewServer(e *engine.Engine, config Config) (*Server, error) {
	if e == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if config.StatsInterval <= 0 {
		config.StatsInterval = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[status] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		engine:   e,
		addr:     fmt.Sprintf(":%d", config.Port),
		interval: config.StatsInterval,
		logger:   config.Logger,
		clients:  make(map[*websocket.Conn]bool),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins listening and relaying engine events.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.relayEngineEvents()
	go s.statsLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts the server down and disconnects all clients.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// relayEngineEvents turns engine events into status broadcasts.
func (s *Server) relayEngineEvents() {
	defer s.wg.Done()

	events, cancel := s.engine.Subscribe()
	defer cancel()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}

			msgType := MessageTypeSyncComplete
			if ev.Syncing {
				msgType = MessageTypeSyncStarted
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Printf("failed to marshal event: %v", err)
				continue
			}
			s.broadcast(Message{Type: msgType, Timestamp: time.Now(), Data: data})
		}
	}
}

// statsLoop broadcasts queue statistics periodically.
func (s *Server) statsLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.ClientCount() == 0 {
				continue
			}
			stats, err := s.engine.Stats(s.ctx)
			if err != nil {
				s.logger.Printf("failed to read queue stats: %v", err)
				continue
			}
			data, err := json.Marshal(stats)
			if err != nil {
				continue
			}
			s.broadcast(Message{Type: MessageTypeQueueStats, Timestamp: time.Now(), Data: data})
		}
	}
}

// broadcast sends a message to every connected client. Writes happen
// outside the read lock so a slow client cannot stall the event relay.
func (s *Server) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("failed to marshal message: %v", err)
		return
	}

	s.clientsMu.RLock()
	clients := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		clients = append(clients, conn)
	}
	s.clientsMu.RUnlock()

	for _, conn := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			s.removeClient(conn)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("client connected (total: %d)", count)

	// Send current queue stats so new clients see state immediately.
	if stats, err := s.engine.Stats(r.Context()); err == nil {
		if data, err := json.Marshal(stats); err == nil {
			payload, _ := json.Marshal(Message{
				Type:      MessageTypeQueueStats,
				Timestamp: time.Now(),
				Data:      data,
			})
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = conn.Write(ctx, websocket.MessageText, payload)
			cancel()
		}
	}

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and detects client disconnects.
// Client messages are not processed.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, exists := s.clients[conn]
	if exists {
		delete(s.clients, conn)
	}
	count := len(s.clients)
	s.clientsMu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("client disconnected (total: %d)", count)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	lastSync, err := s.engine.LastSyncAt(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"online":    s.engine.Online(),
		"clients":   s.ClientCount(),
		"queue":     stats,
		"last_sync": lastSync,
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Satchel Status</title>
</head>
<body>
    <h1>Satchel Status Server</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Connect a WebSocket client to watch the sync queue drain.</p>
</body>
</html>`, r.Host)
}
