package chat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/forkful/realtime/internal/conversation"
	"github.com/forkful/realtime/internal/logger"
	"github.com/forkful/realtime/internal/metrics"
	"github.com/forkful/realtime/internal/protocol"
)

// DefaultTypingTimeout clears a typing signal nobody refreshed.
const DefaultTypingTimeout = 3 * time.Second

type typingKey struct {
	conversation string // canonical pair key
	user         string
}

type typingEntry struct {
	target string // the other participant
	timer  *time.Timer
	gen    uint64
}

// TypingCoordinator tracks ephemeral typing signals. Each (conversation,
// user) has at most one live timer; SetTyping resets it instead of adding
// another. Only state changes are relayed to the other participant, and
// relays are fire-and-forget.
type TypingCoordinator struct {
	timeout   time.Duration
	deliverer Deliverer
	log       *slog.Logger

	mu     sync.Mutex
	active map[typingKey]*typingEntry
	gen    uint64
}

// NewTypingCoordinator creates a coordinator. A non-positive timeout uses
// DefaultTypingTimeout.
func NewTypingCoordinator(deliverer Deliverer, timeout time.Duration) *TypingCoordinator {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingCoordinator{
		timeout:   timeout,
		deliverer: deliverer,
		log:       logger.Component("typing"),
		active:    make(map[typingKey]*typingEntry),
	}
}

// SetTyping marks userID as typing in the conversation identified by pair
// and (re)starts the inactivity timer.
func (c *TypingCoordinator) SetTyping(pair conversation.Pair, userID string) {
	target := pair.Other(userID)
	if target == "" {
		return
	}
	key := typingKey{conversation: pair.Key(), user: userID}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	gen := c.gen

	if e, ok := c.active[key]; ok {
		e.timer.Stop()
		e.gen = gen
		e.timer = time.AfterFunc(c.timeout, func() { c.expire(key, gen) })
		return
	}

	c.active[key] = &typingEntry{
		target: target,
		gen:    gen,
		timer:  time.AfterFunc(c.timeout, func() { c.expire(key, gen) }),
	}
	c.relay(target, userID, true)
}

// ClearTyping ends the signal explicitly. Clearing an inactive signal is a
// no-op.
func (c *TypingCoordinator) ClearTyping(pair conversation.Pair, userID string) {
	key := typingKey{conversation: pair.Key(), user: userID}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked(key)
}

// ClearUser ends every signal of userID, e.g. when their last connection
// closed.
func (c *TypingCoordinator) ClearUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.active {
		if key.user == userID {
			c.clearLocked(key)
		}
	}
}

// IsTyping reports whether userID currently has a live signal in pair.
func (c *TypingCoordinator) IsTyping(pair conversation.Pair, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[typingKey{conversation: pair.Key(), user: userID}]
	return ok
}

// Stop cancels every timer without relaying anything.
func (c *TypingCoordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.active {
		e.timer.Stop()
		delete(c.active, key)
	}
}

func (c *TypingCoordinator) expire(key typingKey, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.active[key]
	if !ok || e.gen != gen {
		return // cleared or refreshed after this timer was armed
	}
	c.clearLocked(key)
}

func (c *TypingCoordinator) clearLocked(key typingKey) {
	e, ok := c.active[key]
	if !ok {
		return
	}
	e.timer.Stop()
	delete(c.active, key)
	c.relay(e.target, key.user, false)
}

func (c *TypingCoordinator) relay(target, userID string, typing bool) {
	frame, err := protocol.NewServerMessage(protocol.EventUserTyping, protocol.TypingPayload{
		UserID:   userID,
		IsTyping: typing,
	})
	if err != nil {
		c.log.Error("failed to build userTyping", "user_id", userID, "error", err)
		return
	}
	c.deliverer.SendToUser(target, frame)

	state := "stop"
	if typing {
		state = "start"
	}
	metrics.TypingSignalsTotal.WithLabelValues(state).Inc()
}
