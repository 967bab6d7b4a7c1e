package presence

import (
	"log/slog"
	"sync"

	"github.com/forkful/realtime/internal/logger"
)

// Transport writes a frame to one local connection.
type Transport interface {
	SendMessage(connID string, data []byte) error
}

// Relay forwards a frame for userID to the other server instances.
type Relay interface {
	Forward(userID string, frame []byte) error
}

// Fanout delivers frames to users through the registry. Failures on single
// connections are logged and skipped; the dead connection is cleaned up by
// the transport's own read or heartbeat path.
type Fanout struct {
	registry *Registry
	log      *slog.Logger

	mu        sync.RWMutex
	transport Transport
	relay     Relay
}

// NewFanout creates a Fanout over registry. The transport may be set later
// with SetTransport because the WebSocket server is built after its handlers.
func NewFanout(registry *Registry, transport Transport) *Fanout {
	return &Fanout{
		registry:  registry,
		transport: transport,
		log:       logger.Component("presence"),
	}
}

// SetTransport assigns the local transport.
func (f *Fanout) SetTransport(t Transport) {
	f.mu.Lock()
	f.transport = t
	f.mu.Unlock()
}

// SetRelay assigns the cross-instance relay. A nil relay keeps delivery
// local.
func (f *Fanout) SetRelay(r Relay) {
	f.mu.Lock()
	f.relay = r
	f.mu.Unlock()
}

func (f *Fanout) deps() (Transport, Relay) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.transport, f.relay
}

// SendToUser delivers frame to every connection of userID on this instance
// and forwards it to the other instances. It returns the number of local
// connections written to.
func (f *Fanout) SendToUser(userID string, frame []byte) int {
	n := f.DeliverLocal(userID, frame)

	_, relay := f.deps()
	if relay != nil {
		if err := relay.Forward(userID, frame); err != nil {
			f.log.Warn("relay forward failed", "user_id", userID, "error", err)
		}
	}
	return n
}

// DeliverLocal delivers frame to the local connections of userID only.
func (f *Fanout) DeliverLocal(userID string, frame []byte) int {
	transport, _ := f.deps()
	if transport == nil {
		return 0
	}

	delivered := 0
	for _, connID := range f.registry.ConnectionsOf(userID) {
		if err := transport.SendMessage(connID, frame); err != nil {
			f.log.Debug("send to user connection failed",
				"user_id", userID, "conn_id", connID, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// SendToConn writes frame to a single connection.
func (f *Fanout) SendToConn(connID string, frame []byte) error {
	transport, _ := f.deps()
	if transport == nil {
		return nil
	}
	return transport.SendMessage(connID, frame)
}

// SendToAll writes frame to every registered connection on this instance.
func (f *Fanout) SendToAll(frame []byte) int {
	transport, _ := f.deps()
	if transport == nil {
		return 0
	}

	delivered := 0
	for _, connID := range f.registry.AllConnections() {
		if err := transport.SendMessage(connID, frame); err != nil {
			f.log.Debug("broadcast to connection failed", "conn_id", connID, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}
