// Package ws is the WebSocket edge of the chat server. It upgrades HTTP
// connections, multiplexes reads over a Poller (epoll on Linux), dispatches
// client frames to handlers and, through Hub, delivers room emits to local
// connections.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/gridchat/chat-server/internal/acl"
	"github.com/gridchat/chat-server/internal/metrics"
	"github.com/gridchat/chat-server/internal/protocol"
	"github.com/gridchat/chat-server/internal/ratelimit"
)

// Limiter throttles connections and messages. ratelimit.Limiter implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// pollInterval bounds how long the event loop blocks before checking for
// shutdown.
const pollInterval = 500 * time.Millisecond

// Server is the WebSocket server built on gobwas/ws. Upgraded connections
// are registered with the Poller and ready ones are read by a bounded
// worker pool.
type Server struct {
	config       ServerConfig
	poller       *Poller
	conns        *ConnectionManager
	limiter      Limiter                              // optional connect/message throttling
	workerPool   chan struct{}                        // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte)  // message handler callback
	onConnect    func(conn *Connection) error         // called once a connection is registered
	onReady      func(conn *Connection)               // called after gn_connect is sent
	onDisconnect func(conn *Connection)               // called when a connection is removed
	mux          *http.ServeMux
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time // server start time for uptime calculation
}

// NewServer creates a Server with the given configuration and message
// callback. The onMessage function is called from a worker goroutine
// whenever a complete WebSocket text frame is received from a client.
func NewServer(config ServerConfig, conns *ConnectionManager, onMessage func(conn *Connection, data []byte)) *Server {
	if conns == nil {
		conns = NewConnectionManager()
	}
	s := &Server{
		config:     config,
		conns:      conns,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// Handle registers an extra HTTP handler (e.g. /metrics) next to /ws.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// SetLimiter enables rate limiting of new connections per remote IP.
func (s *Server) SetLimiter(l Limiter) {
	s.limiter = l
}

// SetOnConnect registers a callback invoked after a connection is registered
// and before the client is told it is connected. Returning an error closes
// the connection.
func (s *Server) SetOnConnect(fn func(conn *Connection) error) {
	s.onConnect = fn
}

// SetOnReady registers a callback invoked after the client received
// gn_connect.
func (s *Server) SetOnReady(fn func(conn *Connection)) {
	s.onReady = fn
}

// Start creates the poller, starts the event loop and heartbeat, and blocks
// serving HTTP.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewPoller(s.config.WorkerPoolSize)
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}

	s.startedAt = time.Now()

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.mux,
	}

	go s.startEventLoop()

	// Start the heartbeat monitor to detect and close dead connections.
	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// Identity is who a connection belongs to, taken from the upgrade request.
type Identity struct {
	UserID     string
	UserName   string
	Attributes map[string]string
}

// attributeKeys are the query parameters copied into actor attributes.
var attributeKeys = []acl.RuleType{
	acl.Age, acl.Gender, acl.Membership, acl.Country,
	acl.City, acl.Image, acl.HasWebcam, acl.FakeChecked,
}

// IdentityFromRequest reads user_id, user_name and the ACL attributes from
// the query string. Authentication happens in front of this server.
func IdentityFromRequest(r *http.Request) (Identity, error) {
	q := r.URL.Query()
	id := Identity{
		UserID:     strings.TrimSpace(q.Get("user_id")),
		UserName:   strings.TrimSpace(q.Get("user_name")),
		Attributes: make(map[string]string),
	}
	if id.UserID == "" {
		return Identity{}, fmt.Errorf("ws: missing user_id")
	}
	if id.UserName == "" {
		id.UserName = id.UserID
	}
	for _, key := range attributeKeys {
		if v := q.Get(string(key)); v != "" {
			id.Attributes[string(key)] = v
		}
	}
	return id, nil
}

// clientIP returns the caller's address, honouring X-Forwarded-For from the
// load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using
// gobwas/ws zero-copy upgrader. On success it creates a Connection, registers
// it with the poller and the connection manager.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Enforce maximum connection limit.
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ident, err := IdentityFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(r.Context(), clientIP(r), ratelimit.RuleConnect); !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	// Upgrade the HTTP connection to WebSocket.
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	readConn, err := s.poller.Add(conn)
	if err != nil {
		log.Printf("ws: poller add failed user=%s: %v", ident.UserID, err)
		conn.Close()
		return
	}
	fd := socketFD(readConn)
	connID := uuid.New().String()

	c := &Connection{
		ID:         connID,
		UserID:     ident.UserID,
		UserName:   ident.UserName,
		Attributes: ident.Attributes,
		Conn:       readConn,
		Fd:         fd,
		CreatedAt:  time.Now(),
	}
	c.Touch()
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.onConnect != nil {
		if err := s.onConnect(c); err != nil {
			log.Printf("ws: connect rejected user=%s conn=%s: %v", c.UserID, connID, err)
			if msg, buildErr := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code:    "connect_failed",
				Message: err.Error(),
			}); buildErr == nil {
				_ = c.WriteMessage(msg)
			}
			s.RemoveConnection(c)
			return
		}
	}

	connected, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		StatusCode: protocol.StatusOK,
		UserID:     c.UserID,
	})
	if err != nil {
		log.Printf("ws: failed to build gn_connect for conn %s: %v", connID, err)
	} else if err := c.WriteMessage(connected); err != nil {
		log.Printf("ws: failed to send gn_connect for conn %s: %v", connID, err)
	}
	if s.onReady != nil {
		s.onReady(c)
	}

	log.Printf("ws: new connection user=%s conn=%s fd=%d (total=%d)", c.UserID, connID, fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including the
// connection and user counts and uptime. It is used by the load balancer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Users       int    `json:"users"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Users:       s.conns.UserCount(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop hands ready connections to the worker pool until
// shutdown. Hung-up connections are removed without a read.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := s.poller.Wait(pollInterval)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			log.Printf("ws: poll error: %v", err)
			continue
		}

		for _, r := range ready {
			if r.Hangup {
				if c := s.conns.GetByConn(r.Conn); c != nil {
					s.RemoveConnection(c)
				}
				continue
			}

			conn := r.Conn
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed from
// the poller and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	defer s.poller.Rearm(netConn)

	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered polling can report a connection already being read.
	if !c.reading.CompareAndSwap(false, true) {
		return
	}
	defer c.reading.Store(false)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale readiness report).
		// Leave the connection to the heartbeat.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Clear read deadline after successful frame read.
	_ = netConn.SetReadDeadline(time.Time{})

	c.Touch()

	// Handle control frames without removing the connection.
	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		// Pong/ping: connection is alive, nothing else to do.
		return
	}

	// Read data frame payload.
	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// RemoveConnection unregisters c, closes it and runs the disconnect hook
// once, however many paths race to remove it.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c.Conn)
	}

	// Guard: only proceed if the connection was actually in the manager.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same connection (e.g., read error + heartbeat timeout).
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	log.Printf("ws: connection closed user=%s conn=%s (total=%d)", c.UserID, c.ID, s.conns.Count())
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat or the hub).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener and the event loop, then removes every
// connection so the disconnect hook runs for each.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	// Signal the event loop to stop.
	close(s.done)

	// Stop accepting new HTTP connections with a deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	// Close all active WebSocket connections, running the disconnect hook so
	// presence and memberships are released.
	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.poller != nil {
		_ = s.poller.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}
