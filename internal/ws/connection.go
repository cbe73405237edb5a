package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one WebSocket client. The identity fields are fixed at
// upgrade time; a user may hold several connections.
type Connection struct {
	ID         string            // connection ID (UUID)
	UserID     string            // authenticated user
	UserName   string            // display name
	Attributes map[string]string // actor attributes consulted by ACL rules
	Conn       net.Conn          // connection to read from and write to
	Fd         int               // poller key
	CreatedAt  time.Time

	writeMu  sync.Mutex
	lastSeen atomic.Int64 // unix nanos of the last frame from the client
	reading  atomic.Bool  // a worker is reading from Conn
}

// Touch records client activity now.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// Idle returns how long the client has been silent at now.
func (c *Connection) Idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastSeen.Load()))
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps connection IDs,
// file descriptors and user IDs to their Connection objects.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection            // connection_id -> Connection
	byFd   map[int]*Connection               // fd -> Connection
	byUser map[string]map[string]*Connection // user_id -> connection_id -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byFd:   make(map[int]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Add registers a new connection in every lookup map.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	if cm.byUser[conn.UserID] == nil {
		cm.byUser[conn.UserID] = make(map[string]*Connection)
	}
	cm.byUser[conn.UserID][conn.ID] = conn
	cm.mu.Unlock()
}

// dropUser removes conn from the user index. Callers hold cm.mu.
func (cm *ConnectionManager) dropUser(conn *Connection) {
	conns := cm.byUser[conn.UserID]
	delete(conns, conn.ID)
	if len(conns) == 0 {
		delete(cm.byUser, conn.UserID)
	}
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
		cm.dropUser(conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// ForUser returns a snapshot of the connections held by userID.
func (cm *ConnectionManager) ForUser(userID string) []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byUser[userID]))
	for _, conn := range cm.byUser[userID] {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// UserCount returns the number of distinct users connected.
func (cm *ConnectionManager) UserCount() int {
	cm.mu.RLock()
	n := len(cm.byUser)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
