// Package dashboard serves a live view of the local store.
//
// Connected WebSocket clients receive a message whenever the store changed,
// a sync pass completed or a streak was recomputed. Clients are expected to
// re-read what they display, typically through /v1/summary, rather than to
// rebuild state from the messages.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/platemate/platemate/internal/logging"
	"github.com/platemate/platemate/internal/metrics"
	"github.com/platemate/platemate/internal/store/db"
	"github.com/platemate/platemate/internal/store/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeStoreChanged indicates committed local writes.
	MessageTypeStoreChanged MessageType = "store_changed"

	// MessageTypeSyncComplete indicates a reconcile pass finished.
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeStreakUpdated indicates a user's streak was recomputed.
	MessageTypeStreakUpdated MessageType = "streak_updated"

	// MessageTypeStats carries store statistics. It is also the welcome
	// message sent to new clients.
	MessageTypeStats MessageType = "stats"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Reader is the read side of the store the dashboard queries.
type Reader interface {
	DailyTotals(ctx context.Context, userID string, day time.Time, loc *time.Location) (*schema.DailyTotals, error)
	Streak(ctx context.Context, userID string) (*schema.StreakState, error)
	CurrentWeight(ctx context.Context, userID string) (*schema.WeightEntry, error)
	Stats(ctx context.Context) (*db.Stats, error)
}

// Config holds server configuration
type Config struct {
	// Addr to listen on, e.g. "127.0.0.1:8471". Port 0 picks a free port.
	Addr string
	// Location days are counted in. Defaults to time.Local.
	Location *time.Location
	// Registry serves /metrics. Defaults to the Prometheus default registry.
	Registry *prometheus.Registry
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	cfg      Config
	reader   Reader
	listener net.Listener
	server   *http.Server
	mux      *http.ServeMux

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *logrus.Entry
}

// NewServer creates a dashboard server reading from reader.
func NewServer(cfg Config, reader Reader) *Server {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		reader:    reader,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		log:       logging.For("dashboard"),
	}

	var metricsHandler http.Handler
	if cfg.Registry != nil {
		metrics.Register(cfg.Registry)
		metricsHandler = promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})
	} else {
		metrics.Register(prometheus.DefaultRegisterer)
		metricsHandler = promhttp.Handler()
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /v1/summary", s.handleSummary)
	s.mux.Handle("GET /metrics", metricsHandler)
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	return s
}

// Handler returns the server's routes. Broadcasting only works after Start.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.WithField("addr", ln.Addr().String()).Info("dashboard listening")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("dashboard server failed")
		}
	}()
	return nil
}

// Stop closes all clients and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("dashboard shutdown: %w", err)
		}
	}
	s.wg.Wait()
	s.log.Info("dashboard stopped")
	return nil
}

// Broadcast queues msg for all connected clients. Messages are dropped when
// the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.log.WithField("type", msg.Type).Warn("broadcast queue full, dropping message")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.log.WithError(err).Warn("failed to marshal message")
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.log.WithError(err).Debug("failed to send to client")
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.log.WithField("clients", count).Debug("client connected")

	welcome := Message{Type: MessageTypeStats, Timestamp: time.Now()}
	if stats, err := s.reader.Stats(r.Context()); err == nil {
		welcome.Data, _ = json.Marshal(stats)
	}
	data, _ := json.Marshal(welcome)
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, data)
	cancel()

	go s.readLoop(conn)
}

// readLoop holds the connection open until the client goes away. Client
// messages are ignored.
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
	if _, ok := s.clients[conn]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.log.WithField("clients", count).Debug("client disconnected")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>PlateMate</title></head>
<body>
    <h1>PlateMate</h1>
    <p>Live updates: <code>ws://%[1]s/ws</code></p>
    <p>Daily summary: <code>/v1/summary?user=ID</code></p>
    <p><a href="/health">/health</a> <a href="/metrics">/metrics</a></p>
</body>
</html>`, r.Host)
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func respondWithJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondWithError(w http.ResponseWriter, status int, msg string) {
	respondWithJSON(w, status, map[string]string{"error": msg})
}
