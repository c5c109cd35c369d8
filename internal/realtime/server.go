// Package realtime serves a tree store over WebSocket and provides the
// matching remote source.
//
// Clients send JSON requests (get, subscribe, unsubscribe, set, push,
// remove) tagged with an id of their choosing. The server answers each one
// with snapshot, ok or error messages carrying the same id. A subscription
// receives a snapshot message for the current value and then one for every
// change, in the store's order. Snapshots carry the ordered tree.Node form,
// so child order survives the wire.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/mschirtzinger/livequery/internal/source"
	"github.com/mschirtzinger/livequery/internal/tree"
)

const writeTimeout = 5 * time.Second

// Server manages WebSocket connections and serves tree requests
type Server struct {
	store *tree.Store

	addr     string
	listener net.Listener
	server   *http.Server

	// WebSocket client management
	clients   map[*websocket.Conn]*session
	clientsMu sync.RWMutex

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Logging
	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: log.New(os.Stderr, "[realtime] ", log.LstdFlags),
	}
}

// session is the state of one connected client.
type session struct {
	conn *websocket.Conn

	mu   sync.Mutex
	subs map[uint64]source.CancelFunc
}

// NewServer creates a server for store
func NewServer(store *tree.Store, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		store:   store,
		addr:    fmt.Sprintf(":%d", config.Port),
		clients: make(map[*websocket.Conn]*session),
		ctx:     ctx,
		cancel:  cancel,
		logger:  config.Logger,
	}
}

// Start begins the HTTP server and WebSocket handler
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

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Realtime server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Println("Stopping realtime server")

	s.cancel()

	s.clientsMu.Lock()
	for conn, sess := range s.clients {
		sess.cancelAll()
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	s.logger.Println("Realtime server stopped")
	return nil
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	sess := &session{conn: conn, subs: make(map[uint64]source.CancelFunc)}

	s.clientsMu.Lock()
	s.clients[conn] = sess
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	s.wg.Add(1)
	go s.readLoop(sess)
}

// readLoop handles client requests until the connection closes
func (s *Server) readLoop(sess *session) {
	defer s.wg.Done()
	defer s.removeClient(sess.conn)

	for {
		_, data, err := sess.conn.Read(s.ctx)
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.send(sess.conn, errorMessage(0, fmt.Errorf("malformed request: %w", err)))
			continue
		}
		s.handleRequest(sess, req)
	}
}

func (s *Server) handleRequest(sess *session, req Request) {
	ref, err := tree.ParseRef(req.Path)
	if err != nil {
		s.send(sess.conn, errorMessage(req.ID, source.NewError(string(req.Type), nil, source.CodeInvalidReference, err)))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	switch req.Type {
	case RequestGet:
		snap, err := s.store.Read(ctx, ref)
		if err != nil {
			s.send(sess.conn, errorMessage(req.ID, err))
			return
		}
		s.send(sess.conn, snapshotMessage(req.ID, snap))

	case RequestSubscribe:
		s.subscribe(sess, req.ID, ref)

	case RequestUnsubscribe:
		sess.cancel(req.ID)
		s.send(sess.conn, Message{ID: req.ID, Type: MessageTypeOK, Timestamp: time.Now()})

	case RequestSet:
		s.reply(sess, req.ID, ref, s.store.Set(ctx, ref, req.Value))

	case RequestRemove:
		s.reply(sess, req.ID, ref, s.store.Remove(ctx, ref))

	case RequestPush:
		child, err := s.store.Push(ctx, ref, req.Value)
		s.reply(sess, req.ID, child, err)

	default:
		s.send(sess.conn, errorMessage(req.ID, fmt.Errorf("unknown request type %q", req.Type)))
	}
}

func (s *Server) reply(sess *session, id uint64, ref tree.Ref, err error) {
	if err != nil {
		s.send(sess.conn, errorMessage(id, err))
		return
	}
	s.send(sess.conn, Message{ID: id, Type: MessageTypeOK, Timestamp: time.Now(), Path: ref.Path()})
}

// subscribe registers a store listener that forwards snapshots to the
// client. A repeated id replaces the earlier subscription.
func (s *Server) subscribe(sess *session, id uint64, ref tree.Ref) {
	sess.cancel(id)

	// Store deliveries for one listener come from one goroutine, so
	// writing from the callback keeps their order on the wire.
	cancel, err := s.store.Subscribe(ref, func(snap source.Snapshot) {
		s.send(sess.conn, snapshotMessage(id, snap.(*tree.Snapshot)))
	}, func(err error) {
		s.send(sess.conn, errorMessage(id, err))
	}, source.ListenOptions{})
	if err != nil {
		s.send(sess.conn, errorMessage(id, err))
		return
	}

	sess.mu.Lock()
	sess.subs[id] = cancel
	sess.mu.Unlock()
}

func (sess *session) cancel(id uint64) {
	sess.mu.Lock()
	cancel, ok := sess.subs[id]
	delete(sess.subs, id)
	sess.mu.Unlock()

	if ok {
		cancel()
	}
}

func (sess *session) cancelAll() {
	sess.mu.Lock()
	subs := sess.subs
	sess.subs = make(map[uint64]source.CancelFunc)
	sess.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
}

func (s *Server) send(conn *websocket.Conn, msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, conn, msg); err != nil {
		s.logger.Printf("Failed to send to client: %v", err)
	}
}

// removeClient safely removes a client connection
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	sess, exists := s.clients[conn]
	if !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	sess.cancelAll()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Client disconnected (total: %d)", clientCount)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"clients":   s.ClientCount(),
		"listeners": s.store.ListenerCount(),
	})
}

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>livequery</title>
</head>
<body>
    <h1>livequery realtime server</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Send <code>{"id":1,"type":"subscribe","path":"/"}</code> to stream the whole tree.</p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
