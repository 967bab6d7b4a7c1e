// Package client provides a reusable WebSocket client for load and
// end-to-end tests of the realtime server. It connects using gobwas/ws (the
// same library the server uses), performs the join handshake and tracks
// per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol event names (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	EventJoin        = "join"
	EventSendMessage = "sendMessage"
	EventUserTyping  = "userTyping"
	EventPing        = "ping"
)

// Server -> Client events.
const (
	EventOnlineUsers    = "onlineUsers"
	EventReceiveMessage = "recieveMessage"
	EventMessageSent    = "messageSent"
	EventError          = "error"
	EventPong           = "pong"
)

// Message is the subset of a delivered message the tests look at.
type Message struct {
	ID             string `json:"_id"`
	ConversationID string `json:"conversationId"`
	Sender         struct {
		ID   string `json:"_id"`
		Name string `json:"name"`
	} `json:"sender"`
	Message string `json:"message"`
	Seq     int64  `json:"seq"`
}

// Typing is the payload of a relayed userTyping event.
type Typing struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration // dial and upgrade
	JoinLatency      time.Duration // join sent until the first onlineUsers frame
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection. It dispatches
// incoming events to registered handlers; the first onlineUsers frame after
// join marks the connection as open.
type Client struct {
	conn   net.Conn
	userID string

	writeMu sync.Mutex

	mu       sync.Mutex
	metrics  Metrics
	handlers map[string]func(json.RawMessage)
	joinedAt time.Time
	lastErr  string

	joined    chan struct{}
	joinOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// New dials url and starts reading in the background. The connection is in
// the server's Authenticating state until Join is called.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		joined:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()

	return c, nil
}

// Join authenticates the connection as userID with token.
func (c *Client) Join(userID, token string) error {
	c.mu.Lock()
	c.userID = userID
	c.joinedAt = time.Now()
	c.mu.Unlock()

	return c.Send(EventJoin, map[string]string{"userId": userID, "token": token})
}

// WaitForJoin blocks until the server has accepted the join, rejected it,
// or ctx is cancelled.
func (c *Client) WaitForJoin(ctx context.Context) error {
	select {
	case <-c.joined:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before join completed: %s", c.LastError())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes an event to the server. It is goroutine-safe.
func (c *Client) Send(event string, data interface{}) error {
	frame, err := json.Marshal(struct {
		Event string      `json:"event"`
		Data  interface{} `json:"data,omitempty"`
	}{event, data})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, frame)
	c.writeMu.Unlock()

	c.mu.Lock()
	c.metrics.MessagesSent++
	if err != nil {
		c.metrics.Errors++
	}
	c.mu.Unlock()
	return err
}

// SendMessage sends a direct message to another user.
func (c *Client) SendMessage(to, text string) error {
	return c.Send(EventSendMessage, map[string]string{
		"senderId":   c.UserID(),
		"recieverId": to,
		"message":    text,
	})
}

// Typing reports the typing state towards another user.
func (c *Client) Typing(to string, typing bool) error {
	return c.Send(EventUserTyping, map[string]interface{}{
		"userId":     c.UserID(),
		"recieverId": to,
		"isTyping":   typing,
	})
}

// On registers a handler for a server event. The handler receives the event
// data. Handlers run on the read goroutine and should not block; registering
// a second handler for the same event replaces the first.
func (c *Client) On(event string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[event] = handler
	c.mu.Unlock()
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// UserID returns the id passed to Join.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// LastError returns the description of the last error event received.
func (c *Client) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop reads frames until the connection ends and dispatches them.
func (c *Client) readLoop() {
	defer c.Close()

	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Closed by us; not an error.
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var env struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if env.Event == EventError {
			var desc string
			_ = json.Unmarshal(env.Data, &desc)
			c.lastErr = desc
		}
		handler := c.handlers[env.Event]
		joinedAt := c.joinedAt
		c.mu.Unlock()

		if env.Event == EventOnlineUsers && !joinedAt.IsZero() {
			c.joinOnce.Do(func() {
				c.mu.Lock()
				c.metrics.JoinLatency = time.Since(joinedAt)
				c.mu.Unlock()
				close(c.joined)
			})
		}

		if handler != nil {
			handler(env.Data)
		}
	}
}
