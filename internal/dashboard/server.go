// Package dashboard provides a real-time WebSocket view of the tunnel ledger.
//
// The dashboard broadcasts visit entries, updates, exits and overdue flips,
// followed by refreshed occupancy statistics, to connected WebSocket clients.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeVisitUpdate indicates a visit was entered, updated or exited
	MessageTypeVisitUpdate MessageType = "visit_update"

	// MessageTypeStats indicates updated occupancy statistics
	MessageTypeStats MessageType = "stats"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Per-client limits. A client whose queue fills up is disconnected instead
// of holding back the others.
const (
	clientQueueSize = 32
	writeTimeout    = 5 * time.Second
)

// client is one connected viewer with its own outgoing queue.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	// clients and welcome share mu so a new client's welcome is always
	// queued ahead of any broadcast it receives.
	mu      sync.Mutex
	clients map[*client]struct{}
	welcome func() Message

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Host to bind (default: all interfaces)
	Host string

	// Port to listen on; 0 picks a free port
	Port int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: log.Default(),
	}
}

// NewServer creates a new dashboard WebSocket server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      net.JoinHostPort(config.Host, fmt.Sprint(config.Port)),
		clients:   make(map[*client]struct{}),
		welcome:   func() Message { return Message{Type: MessageTypeStats} },
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// SetWelcome sets the function that builds the message sent to each new client.
// fn must not call back into the server.
func (s *Server) SetWelcome(fn func() Message) {
	s.mu.Lock()
	s.welcome = fn
	s.mu.Unlock()
}

// Start listens on the configured address and serves /ws, /health and /.
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
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.fanOut()
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")
	s.cancel()

	s.mu.Lock()
	closing := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		closing = append(closing, c)
		delete(s.clients, c)
	}
	s.mu.Unlock()

	for _, c := range closing {
		_ = c.conn.Close(websocket.StatusGoingAway, "Server shutting down")
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Println("Dashboard server stopped")
	return nil
}

// Broadcast queues a message for all connected clients.
// It never blocks; messages are dropped when the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}

	select {
	case s.broadcast <- msg:
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// fanOut encodes each broadcast once and hands it to every client queue.
func (s *Server) fanOut() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			data, err := encode(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.mu.Lock()
			for c := range s.clients {
				select {
				case c.send <- data:
				default:
					delete(s.clients, c)
					s.logger.Printf("Dropping slow client (total: %d)", len(s.clients))
					go c.conn.Close(websocket.StatusPolicyViolation, "connection too slow")
				}
			}
			s.mu.Unlock()
		}
	}
}

// handleWebSocket serves one viewer until it disconnects or the server stops.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientQueueSize)}
	if err := s.addClient(c); err != nil {
		s.logger.Printf("Failed to build welcome message: %v", err)
		_ = conn.Close(websocket.StatusInternalError, "")
		return
	}

	// Viewers never send; CloseRead handles their close frames and cancels
	// ctx once the connection is gone.
	ctx := conn.CloseRead(s.ctx)
	err = s.writeLoop(ctx, c)

	if s.removeClient(c) {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	if err != nil && ctx.Err() == nil {
		s.logger.Printf("Failed to send to client: %v", err)
	}
}

// addClient registers c with its welcome message already queued.
func (s *Server) addClient(c *client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := encode(s.welcome())
	if err != nil {
		return err
	}
	c.send <- data
	s.clients[c] = struct{}{}
	s.logger.Printf("Client connected (total: %d)", len(s.clients))
	return nil
}

// removeClient reports whether c was still registered.
func (s *Server) removeClient(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[c]; !ok {
		return false
	}
	delete(s.clients, c)
	s.logger.Printf("Client disconnected (total: %d)", len(s.clients))
	return true
}

func (s *Server) writeLoop(ctx context.Context, c *client) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func encode(msg Message) ([]byte, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return json.Marshal(msg)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// handleRoot describes the endpoints.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Tunnel Monitor</title>
</head>
<body>
    <h1>Tunnel Monitor Dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Connect a WebSocket client to receive visit updates and occupancy.</p>
</body>
</html>`, r.Host)
}

// Addr returns the listening address once started, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
