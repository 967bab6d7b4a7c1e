// Package chat implements direct-message routing and typing indicators.
//
// Router.SendMessage persists first and delivers second: a message is never
// shown to anyone before it is durably appended. Sends within one
// conversation are serialised so every connection observes messages in the
// order they were accepted.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/forkful/realtime/internal/auth"
	"github.com/forkful/realtime/internal/conversation"
	"github.com/forkful/realtime/internal/logger"
	"github.com/forkful/realtime/internal/metrics"
	"github.com/forkful/realtime/internal/protocol"
)

// Deliverer writes a frame to every connection of a user. Per-connection
// failures are the deliverer's concern.
type Deliverer interface {
	SendToUser(userID string, frame []byte) int
}

// Router accepts, persists and delivers direct messages.
type Router struct {
	store     conversation.Store
	deliverer Deliverer
	locks     *keyedMutex
	log       *slog.Logger
}

// NewRouter creates a Router over the given store and deliverer.
func NewRouter(store conversation.Store, deliverer Deliverer) *Router {
	return &Router{
		store:     store,
		deliverer: deliverer,
		locks:     newKeyedMutex(),
		log:       logger.Component("chat"),
	}
}

// SendMessage validates, persists and delivers a message from sender to
// recipientID. The text is stored as given; only the emptiness check trims.
//
// On ErrInvalidMessage nothing was persisted or delivered. On
// ErrDeliveryFailed nothing was delivered. Otherwise the recipient's
// connections got recieveMessage and the sender's got messageSent, both
// carrying the same message.
func (r *Router) SendMessage(ctx context.Context, sender auth.Identity, recipientID, text string) (*conversation.Message, error) {
	if err := ValidateRecipient(sender.ID, recipientID); err != nil {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if err := ValidateMessage(text); err != nil {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	start := time.Now()
	pair := conversation.NewPair(sender.ID, recipientID)

	unlock := r.locks.Lock(pair.Key())
	defer unlock()

	conv, err := r.store.FindOrCreateConversation(ctx, pair.A, pair.B)
	if err != nil {
		return nil, r.failed(sender.ID, recipientID, err)
	}
	msg, err := r.store.AppendMessage(ctx, conv.ID, sender.ID, text)
	if err != nil {
		return nil, r.failed(sender.ID, recipientID, err)
	}

	payload := NewMessagePayload(*msg, sender)

	if frame, err := protocol.NewServerMessage(protocol.EventReceiveMessage, payload); err != nil {
		r.log.Error("failed to build recieveMessage", "message_id", msg.ID, "error", err)
	} else {
		r.deliverer.SendToUser(recipientID, frame)
	}

	if frame, err := protocol.NewServerMessage(protocol.EventMessageSent, payload); err != nil {
		r.log.Error("failed to build messageSent", "message_id", msg.ID, "error", err)
	} else {
		r.deliverer.SendToUser(sender.ID, frame)
	}

	metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
	r.log.Debug("message delivered",
		"conversation_id", conv.ID, "message_id", msg.ID, "seq", msg.Seq,
		"sender", sender.ID, "recipient", recipientID)
	return msg, nil
}

func (r *Router) failed(senderID, recipientID string, err error) error {
	metrics.MessagesTotal.WithLabelValues("failed").Inc()
	r.log.Error("message persistence failed",
		"sender", senderID, "recipient", recipientID, "error", err)
	return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
}
