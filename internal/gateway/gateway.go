// Package gateway binds the WebSocket transport to the presence and chat
// components: it reacts to connections opening and closing and handles the
// sendMessage and userTyping events.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/forkful/realtime/internal/auth"
	"github.com/forkful/realtime/internal/chat"
	"github.com/forkful/realtime/internal/conversation"
	"github.com/forkful/realtime/internal/logger"
	"github.com/forkful/realtime/internal/metrics"
	"github.com/forkful/realtime/internal/presence"
	"github.com/forkful/realtime/internal/protocol"
	"github.com/forkful/realtime/internal/ratelimit"
	"github.com/forkful/realtime/internal/session"
	"github.com/forkful/realtime/internal/ws"
)

// backendTimeout bounds every Redis call made on behalf of one event.
const backendTimeout = 3 * time.Second

// SessionMirror records connections in the cluster-wide presence store.
type SessionMirror interface {
	Create(ctx context.Context, connID, userID string) (int64, error)
	Delete(ctx context.Context, connID, userID string) (int64, error)
	RefreshTTL(ctx context.Context, connID string) error
}

// Limiter decides whether an identifier may perform one more action.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Deps are the components the gateway drives. Sessions, Limiter and
// TrustedProxies are optional.
type Deps struct {
	Registry    *presence.Registry
	Fanout      *presence.Fanout
	Broadcaster *presence.Broadcaster
	Router      *chat.Router
	Typing      *chat.TypingCoordinator
	Peers       *chat.ActivePeers
	Sessions    SessionMirror
	Limiter     Limiter

	// TrustedProxies are the addresses allowed to set X-Forwarded-For.
	TrustedProxies []netip.Prefix
}

// Gateway holds the event handlers.
type Gateway struct {
	deps Deps
	log  *slog.Logger
}

// New creates a Gateway.
func New(deps Deps) *Gateway {
	if deps.Peers == nil {
		deps.Peers = chat.NewActivePeers()
	}
	return &Gateway{deps: deps, log: logger.Component("gateway")}
}

// Register installs the client event handlers on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.EventSendMessage, func(conn *ws.Connection, msg interface{}) {
		sm, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		id, ok := conn.Identity()
		if !ok {
			return
		}
		g.sendMessage(conn.ID, id, sm)
	})

	d.Register(protocol.EventUserTyping, func(conn *ws.Connection, msg interface{}) {
		tm, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}
		g.userTyping(conn.ID, conn.UserID(), tm)
	})
}

// OnOpen is the ws open callback. The user is recorded in the cluster
// mirror before the local registry so the broadcast triggered by the
// registry already includes them.
func (g *Gateway) OnOpen(c *ws.Connection) error {
	return g.open(c.ID, c.UserID())
}

// OnDisconnect is the ws disconnect callback.
func (g *Gateway) OnDisconnect(c *ws.Connection, cause error) {
	if cause != nil {
		g.log.Info("connection lost", "conn_id", c.ID, "user_id", c.UserID(), "error", cause)
	}
	g.close(c.ID, c.UserID())
}

func (g *Gateway) open(connID, userID string) error {
	if userID == "" {
		return fmt.Errorf("gateway: connection %s has no identity", connID)
	}

	if g.deps.Sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		if _, err := g.deps.Sessions.Create(ctx, connID, userID); err != nil {
			g.log.Warn("session mirror create failed", "conn_id", connID, "user_id", userID, "error", err)
		}
		cancel()
	}

	// A user coming online triggers a full broadcast, which reaches this
	// connection too; otherwise it needs its own snapshot.
	if cameOnline := g.deps.Registry.Register(userID, connID); !cameOnline {
		if err := g.deps.Broadcaster.SnapshotOnRequest(connID); err != nil {
			g.log.Debug("online users snapshot failed", "conn_id", connID, "error", err)
		}
	}
	return nil
}

func (g *Gateway) close(connID, userID string) {
	if g.deps.Sessions != nil && userID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		if _, err := g.deps.Sessions.Delete(ctx, connID, userID); err != nil {
			g.log.Warn("session mirror delete failed", "conn_id", connID, "user_id", userID, "error", err)
		}
		cancel()
	}

	user, wentOffline := g.deps.Registry.Unregister(connID)
	if wentOffline {
		g.deps.Typing.ClearUser(user)
	}
}

// sendMessage handles a sendMessage event from connection connID owned by
// sender.
func (g *Gateway) sendMessage(connID string, sender auth.Identity, sm protocol.SendMessageMsg) {
	if g.deps.Limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		allowed, _ := g.deps.Limiter.Allow(ctx, sender.ID, ratelimit.RuleSendMessage)
		cancel()
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
			g.reply(connID, "rate limited")
			return
		}
	}

	if sm.SenderID != "" && sm.SenderID != sender.ID {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		g.reply(connID, fmt.Errorf("%w: sender does not match connection", chat.ErrInvalidMessage).Error())
		return
	}

	_, err := g.deps.Router.SendMessage(context.Background(), sender, sm.ReceiverID, sm.Message)
	switch {
	case err == nil:
		g.deps.Peers.Touch(sender.ID, sm.ReceiverID)
		g.deps.Typing.ClearTyping(conversation.NewPair(sender.ID, sm.ReceiverID), sender.ID)
	case errors.Is(err, chat.ErrInvalidMessage):
		g.reply(connID, err.Error())
	default:
		g.reply(connID, chat.ErrDeliveryFailed.Error())
	}
}

// userTyping handles a userTyping event from connection connID owned by
// userID. Without recieverId the signal goes to the user's active peer; with
// no active peer it is dropped.
func (g *Gateway) userTyping(connID, userID string, tm protocol.TypingMsg) {
	receiver := strings.TrimSpace(tm.ReceiverID)
	if receiver == "" {
		peer, ok := g.deps.Peers.Peer(userID)
		if !ok {
			g.log.Debug("typing signal without a conversation", "conn_id", connID, "user_id", userID)
			return
		}
		receiver = peer
	} else {
		g.deps.Peers.Touch(userID, receiver)
	}
	if receiver == userID {
		return
	}

	pair := conversation.NewPair(userID, receiver)
	if tm.IsTyping {
		g.deps.Typing.SetTyping(pair, userID)
	} else {
		g.deps.Typing.ClearTyping(pair, userID)
	}
}

// RefreshSessions extends the Redis records of every local connection so
// that long-lived connections outlive session.SessionTTL.
func (g *Gateway) RefreshSessions(ctx context.Context) {
	if g.deps.Sessions == nil {
		return
	}
	conns := g.deps.Registry.AllConnections()
	sort.Strings(conns)
	for _, connID := range conns {
		userID, ok := g.deps.Registry.UserOf(connID)
		if !ok {
			continue // closed since the snapshot
		}
		rctx, cancel := context.WithTimeout(ctx, backendTimeout)
		err := g.deps.Sessions.RefreshTTL(rctx, connID)
		cancel()
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			g.log.Warn("session record missing", "conn_id", connID, "user_id", userID)
		case err != nil:
			g.log.Warn("session refresh failed", "conn_id", connID, "user_id", userID, "error", err)
		}
	}
}

// RunSessionRefresh calls RefreshSessions every interval until ctx is done.
func (g *Gateway) RunSessionRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.RefreshSessions(ctx)
		}
	}
}

// reply sends an error event to one connection.
func (g *Gateway) reply(connID, description string) {
	if err := g.deps.Fanout.SendToConn(connID, protocol.NewErrorMessage(description)); err != nil {
		g.log.Debug("error reply failed", "conn_id", connID, "error", err)
	}
}

// HandleRemoteDelivery delivers a frame relayed by another instance to the
// local connections of userID.
func (g *Gateway) HandleRemoteDelivery(userID string, frame []byte) {
	g.deps.Fanout.DeliverLocal(userID, frame)
}

// HandleRemotePresence refreshes local clients after a presence change on
// another instance.
func (g *Gateway) HandleRemotePresence(userID string, online bool) {
	g.log.Debug("remote presence change", "user_id", userID, "online", online)
	g.deps.Broadcaster.Rebroadcast()
}

// ConnectGuard limits WebSocket upgrades per client IP. It fails open when
// no limiter is configured.
func (g *Gateway) ConnectGuard(r *http.Request) (int, error) {
	if g.deps.Limiter == nil {
		return http.StatusOK, nil
	}
	ip := ClientIP(r, g.deps.TrustedProxies)

	allowed, _ := g.deps.Limiter.Allow(r.Context(), ip, ratelimit.RuleConnect)
	if !allowed {
		g.log.Info("connect rate limited", "ip", ip)
		return http.StatusTooManyRequests, errors.New("too many connection attempts")
	}
	return http.StatusOK, nil
}

// ClientIP returns the address of the client behind r. X-Forwarded-For is
// only honoured when the direct peer is a trusted proxy; the result is then
// the rightmost forwarded address that is not itself trusted.
func ClientIP(r *http.Request, trusted []netip.Prefix) string {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if !isTrusted(remote, trusted) {
		return remote
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !isTrusted(hop, trusted) {
			return hop
		}
		remote = hop
	}
	return remote
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
