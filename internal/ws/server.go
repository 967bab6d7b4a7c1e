// Package ws is the session and transport gateway. It upgrades HTTP requests
// to WebSocket connections, drives each connection through its lifecycle
// (Connecting, Authenticating, Open, Closing, Closed) and dispatches incoming
// events to registered handlers.
//
// Reads are multiplexed with epoll on Linux and handed to a bounded worker
// pool; frames of a single connection are always processed one at a time.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/forkful/realtime/internal/auth"
	"github.com/forkful/realtime/internal/logger"
	"github.com/forkful/realtime/internal/metrics"
	"github.com/forkful/realtime/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr      string        // address to listen on, e.g. ":8080"
	WorkerPoolSize  int           // max concurrent read-worker goroutines
	MaxConnections  int           // hard cap on total connections
	MaxMessageBytes int64         // largest accepted data frame
	ReadTimeout     time.Duration // timeout for WebSocket read operations
	WriteTimeout    time.Duration // timeout for WebSocket write operations
	AuthTimeout     time.Duration // Authenticating connections are closed after this
	Heartbeat       HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":8080",
		WorkerPoolSize:  256,
		MaxConnections:  100000,
		MaxMessageBytes: 64 * 1024,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		AuthTimeout:     10 * time.Second,
		Heartbeat:       DefaultHeartbeatConfig(),
	}
}

// OpenFunc is called once a connection has authenticated. Returning an error
// closes the connection.
type OpenFunc func(c *Connection) error

// DisconnectFunc is called when an Open connection is removed. cause is nil
// for a graceful close and wraps ErrTransportLost otherwise.
type DisconnectFunc func(c *Connection, cause error)

// ConnectGuard may refuse an upgrade request before the handshake, e.g. for
// rate limiting. The returned status is sent to the client.
type ConnectGuard func(r *http.Request) (status int, err error)

// Server is the WebSocket server built on gobwas/ws and epoll.
type Server struct {
	config        ServerConfig
	authenticator auth.Authenticator
	poller        *Epoll
	conns         *ConnectionManager
	workerPool    chan struct{}                       // semaphore limiting concurrent read workers
	onMessage     func(conn *Connection, data []byte) // message handler callback
	onOpen        OpenFunc
	onDisconnect  DisconnectFunc
	guard         ConnectGuard
	mux           *http.ServeMux
	middleware    func(http.Handler) http.Handler
	health        func() map[string]interface{}
	httpServer    *http.Server
	done          chan struct{}
	stopOnce      sync.Once
	startedAt     time.Time
	log           *slog.Logger
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// for every complete text frame; Dispatch of a MessageDispatcher is the usual
// value.
func NewServer(config ServerConfig, authenticator auth.Authenticator, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	s := &Server{
		config:        config,
		authenticator: authenticator,
		conns:         NewConnectionManager(),
		workerPool:    make(chan struct{}, config.WorkerPoolSize),
		onMessage:     onMessage,
		mux:           http.NewServeMux(),
		done:          make(chan struct{}),
		startedAt:     time.Now(),
		log:           logger.Component("ws"),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())
	return s
}

// SetOnOpen registers the callback run when a connection becomes Open.
func (s *Server) SetOnOpen(fn OpenFunc) {
	s.onOpen = fn
}

// SetOnDisconnect registers a callback invoked when an Open connection is
// removed (read error, heartbeat timeout, close frame or shutdown).
// Connections that never authenticated do not trigger it.
func (s *Server) SetOnDisconnect(fn DisconnectFunc) {
	s.onDisconnect = fn
}

// SetConnectGuard registers a check run before every upgrade.
func (s *Server) SetConnectGuard(fn ConnectGuard) {
	s.guard = fn
}

// SetMiddleware wraps every HTTP route, including the upgrade endpoint.
func (s *Server) SetMiddleware(mw func(http.Handler) http.Handler) {
	s.middleware = mw
}

// SetHealthExtra adds fields to the /health response.
func (s *Server) SetHealthExtra(fn func() map[string]interface{}) {
	s.health = fn
}

// Handle registers an additional HTTP route on the server's mux.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	if s.middleware != nil {
		return s.middleware(s.mux)
	}
	return s.mux
}

// Start initializes the poller, starts the event loop and the heartbeat and
// blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadTimeout,
	}

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.log.Info("server listening",
		"addr", s.config.ListenAddr,
		"workers", s.config.WorkerPoolSize,
		"max_conns", s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader. Credentials found on the request (query token
// or bearer header) authenticate the connection right away; otherwise it
// waits in Authenticating for a join event.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.guard != nil {
		if status, err := s.guard(r); err != nil {
			http.Error(w, err.Error(), status)
			return
		}
	}

	creds := auth.CredentialsFromRequest(r)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := s.accept(conn, creds, r.RemoteAddr)
	if s.poller != nil {
		if err := s.poller.Add(c); err != nil {
			s.log.Error("epoll add failed", "conn_id", c.ID, "error", err)
			s.RemoveConnection(c, fmt.Errorf("%w: %v", ErrTransportLost, err))
			return
		}
	}

	if creds.Token != "" {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.AuthTimeout)
		defer cancel()
		_ = s.Authenticate(ctx, c, creds)
	}
}

// accept registers an upgraded connection in Authenticating and arms the
// authentication timeout.
func (s *Server) accept(conn net.Conn, creds auth.Credentials, remote string) *Connection {
	c := NewConnection(uuid.New().String(), conn)
	c.RemoteAddr = remote
	c.Credentials = creds
	c.writeTimeout = s.config.WriteTimeout
	c.setState(StateAuthenticating)

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.config.AuthTimeout > 0 {
		c.authTimer = time.AfterFunc(s.config.AuthTimeout, func() {
			if c.State() != StateAuthenticating {
				return
			}
			metrics.AuthFailuresTotal.WithLabelValues("timeout").Inc()
			s.log.Info("authentication timed out", "conn_id", c.ID, "remote", c.RemoteAddr)
			s.reject(c, "authentication timed out")
		})
	}

	s.log.Debug("new connection", "conn_id", c.ID, "fd", c.Fd, "total", s.conns.Count())
	return c
}

// Authenticate resolves creds and, on success, moves c to Open and runs the
// open callback. On failure the client gets an "authentication failed" error
// and the connection goes straight to Closed without touching presence.
func (s *Server) Authenticate(ctx context.Context, c *Connection, creds auth.Credentials) error {
	if c.State() != StateAuthenticating {
		return fmt.Errorf("ws: connection %s is %s", c.ID, c.State())
	}

	id, err := s.authenticator.Authenticate(ctx, creds)
	if err != nil {
		metrics.AuthFailuresTotal.WithLabelValues("rejected").Inc()
		s.log.Info("authentication rejected", "conn_id", c.ID, "remote", c.RemoteAddr, "error", err)
		if c.State() == StateAuthenticating {
			s.reject(c, "authentication failed")
		}
		return err
	}

	// Concurrent Authenticate calls (handshake token and join) serialise on
	// lifeMu; only the one that moves the connection to Open sets its identity.
	c.lifeMu.Lock()
	if c.State() != StateAuthenticating {
		c.lifeMu.Unlock()
		return fmt.Errorf("ws: connection %s is %s", c.ID, c.State())
	}
	c.identity.Store(&id)
	if !c.casState(StateAuthenticating, StateOpen) {
		c.identity.Store(nil)
		c.lifeMu.Unlock()
		return fmt.Errorf("ws: connection %s closed during authentication", c.ID)
	}
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	var openErr error
	if s.onOpen != nil {
		openErr = s.onOpen(c)
	}
	c.lifeMu.Unlock()

	if openErr != nil {
		s.log.Error("open callback failed", "conn_id", c.ID, "user_id", id.ID, "error", openErr)
		s.RemoveConnection(c, fmt.Errorf("%w: %v", ErrTransportLost, openErr))
		return openErr
	}

	s.log.Info("connection open", "conn_id", c.ID, "user_id", id.ID)
	return nil
}

// reject tells the client why and closes an unauthenticated connection.
func (s *Server) reject(c *Connection, description string) {
	_ = c.WriteMessage(protocol.NewErrorMessage(description))
	s.RemoveConnection(c, nil)
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":      "ok",
		"connections": s.conns.Count(),
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.health != nil {
		for k, v := range s.health() {
			resp[k] = v
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poll loop. Each ready connection is handed to a
// worker goroutine, bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("epoll wait error", "error", err)
			continue
		}

		for _, c := range conns {
			c := c

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames are handled without blocking on a
// data frame that may never arrive. Read failures remove the connection as
// TransportLost; a close frame removes it gracefully.
func (s *Server) handleConn(c *Connection) {
	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		if s.poller != nil {
			s.poller.Resume(c)
		}
	}()

	if st := c.State(); st >= StateClosing {
		return
	}

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.reader, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat takes care of dead peers.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c, fmt.Errorf("%w: %v", ErrTransportLost, err))
		return
	}

	_ = c.Conn.SetReadDeadline(time.Time{})
	c.touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c, nil)
			return
		}
		// Pong (or an unsolicited ping): the connection is alive.
		_, _ = io.CopyN(io.Discard, reader, header.Length)
		return
	}

	if s.config.MaxMessageBytes > 0 && header.Length > s.config.MaxMessageBytes {
		s.RemoveConnection(c, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrTransportLost, header.Length))
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c, fmt.Errorf("%w: %v", ErrTransportLost, err))
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

// RemoveConnection closes c and drives it to Closed. It is idempotent: only
// the first caller runs the cleanup. For Open connections the disconnect
// callback runs so presence is updated regardless of cause.
func (s *Server) RemoveConnection(c *Connection, cause error) {
	var prev State
	for {
		prev = c.State()
		if prev >= StateClosing {
			return
		}
		if c.casState(prev, StateClosing) {
			break
		}
	}

	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	if s.poller != nil {
		_ = s.poller.Remove(c)
	}
	if s.conns.Remove(c.ID) {
		metrics.ConnectionsTotal.Dec()
	} else {
		_ = c.Close()
	}

	if prev == StateOpen && s.onDisconnect != nil {
		c.lifeMu.Lock()
		s.onDisconnect(c, cause)
		c.lifeMu.Unlock()
	}
	c.setState(StateClosed)

	attrs := []any{"conn_id", c.ID, "user_id", c.UserID(), "was", prev.String(), "total", s.conns.Count()}
	if cause != nil {
		s.log.Warn("connection lost", append(attrs, "error", cause)...)
		return
	}
	s.log.Info("connection closed", attrs...)
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	return c.WriteMessage(data)
}

// SendError writes an error event to c.
func (s *Server) SendError(c *Connection, description string) {
	if err := c.WriteMessage(protocol.NewErrorMessage(description)); err != nil {
		s.log.Debug("failed to send error", "conn_id", c.ID, "error", err)
	}
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener and the event loop, then closes every
// connection through RemoveConnection so disconnect callbacks run.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	s.stopOnce.Do(func() { close(s.done) })

	var err error
	if s.httpServer != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			s.log.Error("http shutdown error", "error", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c, nil)
	}

	if s.poller != nil {
		_ = s.poller.Close()
	}

	s.log.Info("server stopped, all connections closed")
	return err
}
