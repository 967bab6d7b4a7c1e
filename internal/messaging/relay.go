package messaging

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/forkful/realtime/internal/logger"
)

// Bus is the pub/sub surface the Relay needs. NATSClient implements it.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) error
}

// relayEvent is the payload published on the relay subjects.
type relayEvent struct {
	Origin string          `json:"origin"`
	UserID string          `json:"user_id"`
	Frame  json.RawMessage `json:"frame,omitempty"`
	Online bool            `json:"online,omitempty"`
}

// Relay forwards frames and presence changes between server instances.
// Origin identifies this instance; events it published are dropped on
// receipt.
type Relay struct {
	bus    Bus
	origin string
	log    *slog.Logger
}

// NewRelay creates a Relay publishing as origin.
func NewRelay(bus Bus, origin string) *Relay {
	return &Relay{bus: bus, origin: origin, log: logger.Component("relay")}
}

// Forward publishes a ready-to-send frame for every connection of userID on
// the other instances.
func (r *Relay) Forward(userID string, frame []byte) error {
	return r.publish(SubjectDeliver, relayEvent{Origin: r.origin, UserID: userID, Frame: frame})
}

// AnnouncePresence publishes a presence transition of userID.
func (r *Relay) AnnouncePresence(userID string, online bool) error {
	return r.publish(SubjectPresence, relayEvent{Origin: r.origin, UserID: userID, Online: online})
}

// OnDeliver subscribes to frames forwarded by other instances.
func (r *Relay) OnDeliver(handler func(userID string, frame []byte)) error {
	return r.bus.Subscribe(SubjectDeliver, func(data []byte) {
		ev, ok := r.decode(SubjectDeliver, data)
		if !ok || len(ev.Frame) == 0 {
			return
		}
		handler(ev.UserID, ev.Frame)
	})
}

// OnPresence subscribes to presence transitions on other instances.
func (r *Relay) OnPresence(handler func(userID string, online bool)) error {
	return r.bus.Subscribe(SubjectPresence, func(data []byte) {
		ev, ok := r.decode(SubjectPresence, data)
		if !ok {
			return
		}
		handler(ev.UserID, ev.Online)
	})
}

func (r *Relay) publish(subject string, ev relayEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("relay: marshal %s: %w", subject, err)
	}
	if err := r.bus.Publish(subject, data); err != nil {
		return fmt.Errorf("relay: publish %s: %w", subject, err)
	}
	return nil
}

func (r *Relay) decode(subject string, data []byte) (relayEvent, bool) {
	var ev relayEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		r.log.Warn("bad relay event", "subject", subject, "error", err)
		return ev, false
	}
	if ev.Origin == r.origin || ev.UserID == "" {
		return ev, false
	}
	return ev, true
}
