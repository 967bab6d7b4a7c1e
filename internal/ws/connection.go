package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/forkful/realtime/internal/auth"
)

var (
	// ErrTransportLost marks a connection that went away without a close
	// handshake: read errors, oversized frames, heartbeat timeouts.
	ErrTransportLost = errors.New("ws: transport lost")

	// ErrConnectionNotFound is returned when writing to an unknown id.
	ErrConnectionNotFound = errors.New("ws: connection not found")
)

// State is the lifecycle stage of a connection. Transitions only move
// forward: Connecting -> Authenticating -> Open -> Closing -> Closed, with
// Authenticating -> Closing -> Closed on rejection or timeout.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection represents a single WebSocket client connection with its
// lifecycle state, the identity it authenticated as and a write mutex for
// serializing outbound frames.
type Connection struct {
	ID          string           // connection ID (UUID)
	Conn        net.Conn         // underlying TCP connection
	Fd          int              // file descriptor for epoll lookups, -1 if none
	RemoteAddr  string           // client address as seen by the HTTP server
	CreatedAt   time.Time        // when the connection was established
	Credentials auth.Credentials // credentials presented on the upgrade request

	reader       io.Reader     // frame source; the poller may buffer it
	writeTimeout time.Duration // per-write deadline, 0 for none

	state      atomic.Int32
	identity   atomic.Pointer[auth.Identity]
	lastActive atomic.Int64 // unix nanos of the last frame received

	// lifeMu orders the open callback against the disconnect callback so a
	// connection closing mid-open never leaves a stale registration behind.
	lifeMu    sync.Mutex
	authTimer *time.Timer

	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// NewConnection wraps an upgraded net.Conn. The connection starts in
// StateConnecting.
func NewConnection(id string, conn net.Conn) *Connection {
	now := time.Now()
	c := &Connection{
		ID:        id,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: now,
		reader:    conn,
	}
	c.lastActive.Store(now.UnixNano())
	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Connection) casState(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// Identity returns the authenticated identity, if any.
func (c *Connection) Identity() (auth.Identity, bool) {
	id := c.identity.Load()
	if id == nil {
		return auth.Identity{}, false
	}
	return *id, true
}

// UserID returns the authenticated user id, or "" before authentication.
func (c *Connection) UserID() string {
	if id := c.identity.Load(); id != nil {
		return id.ID
	}
	return ""
}

// LastActive returns when the last frame was received.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe index of live connections by ID.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID and closes the underlying network
// connection. Returns false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of connections in any state.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
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
