package ws

import (
	"context"
	"log/slog"
	"time"

	"github.com/forkful/realtime/internal/auth"
	"github.com/forkful/realtime/internal/logger"
	"github.com/forkful/realtime/internal/protocol"
)

// MessageHandler handles a parsed client event on an Open connection. msg is
// the concrete struct returned by protocol.ParseClientMessage (e.g.
// protocol.SendMessageMsg). Handlers run on the connection's read worker, so
// a slow handler delays that connection's next frame but no other.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming events to registered handlers. It
// answers ping and drives the join handshake itself; every other event is
// refused until the connection is Open.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
	log      *slog.Logger
}

// NewMessageDispatcher creates a MessageDispatcher bound to the given server.
// The server may be nil and set later with SetServer.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
		log:      logger.Component("ws"),
	}
}

// SetServer assigns the Server reference on the dispatcher. This supports the
// initialization pattern where the dispatcher is created before the server
// (since NewServer requires the Dispatch callback).
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a MessageHandler with an event name. If a handler was
// already registered for the event, it is silently replaced.
func (d *MessageDispatcher) Register(event string, handler MessageHandler) {
	d.handlers[event] = handler
}

// Dispatch is the onMessage callback implementation.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	event, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug("dispatch parse error", "conn_id", conn.ID, "event", event, "error", err)
		d.server.SendError(conn, "invalid message: malformed event")
		return
	}

	switch event {
	case protocol.EventPing:
		d.sendPong(conn)
		return
	case protocol.EventJoin:
		d.handleJoin(conn, msg.(protocol.JoinMsg))
		return
	}

	if conn.State() != StateOpen {
		d.server.SendError(conn, "not authenticated")
		return
	}

	handler, ok := d.handlers[event]
	if !ok {
		d.log.Debug("unsupported event", "event", event, "conn_id", conn.ID)
		d.server.SendError(conn, "invalid message: unsupported event")
		return
	}

	handler(conn, msg)
}

// handleJoin authenticates an Authenticating connection. The join payload
// can carry the token; otherwise the token from the upgrade request is used.
// The claimed user id must match the token subject.
func (d *MessageDispatcher) handleJoin(conn *Connection, jm protocol.JoinMsg) {
	switch conn.State() {
	case StateAuthenticating:
	case StateOpen:
		if jm.UserID != "" && jm.UserID != conn.UserID() {
			d.server.SendError(conn, "already joined as another user")
		}
		return
	default:
		return
	}

	creds := auth.Credentials{Token: conn.Credentials.Token, UserID: jm.UserID}
	if jm.Token != "" {
		creds.Token = jm.Token
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.server.config.AuthTimeout)
	defer cancel()
	_ = d.server.Authenticate(ctx, conn, creds)
}

// sendPong answers an application-level ping.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.touch()

	data, err := protocol.NewServerMessage(protocol.EventPong, struct {
		Time int64 `json:"time"`
	}{Time: time.Now().UnixMilli()})
	if err != nil {
		d.log.Error("failed to build pong", "conn_id", conn.ID, "error", err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		d.log.Debug("failed to send pong", "conn_id", conn.ID, "error", err)
	}
}
