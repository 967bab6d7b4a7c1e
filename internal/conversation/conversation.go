// Package conversation owns the persisted direct-message threads between two
// users. A conversation is identified by its unordered participant pair;
// every lookup canonicalises the pair first so (A, B) and (B, A) always
// resolve to the same thread.
package conversation

import (
	"context"
	"errors"
	"time"
)

// ErrConversationNotFound is returned when appending to an unknown
// conversation id.
var ErrConversationNotFound = errors.New("conversation: not found")

// ErrNotParticipant is returned when a message's sender is not one of the
// conversation's participants.
var ErrNotParticipant = errors.New("conversation: sender is not a participant")

// Pair is a canonically ordered participant pair (A < B).
type Pair struct {
	A string
	B string
}

// NewPair orders the two user ids lexicographically.
func NewPair(userA, userB string) Pair {
	if userB < userA {
		userA, userB = userB, userA
	}
	return Pair{A: userA, B: userB}
}

// Key is the stable lookup key of the pair.
func (p Pair) Key() string {
	return p.A + ":" + p.B
}

// Other returns the participant that is not userID, or "" if userID is not
// part of the pair.
func (p Pair) Other(userID string) string {
	switch userID {
	case p.A:
		return p.B
	case p.B:
		return p.A
	}
	return ""
}

// Conversation is the thread between exactly two participants.
type Conversation struct {
	ID           string
	ParticipantA string // always the lexicographically smaller id
	ParticipantB string
	Messages     []Message // populated by FetchConversation only
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsParticipant checks whether userID is one of the two participants.
func (c *Conversation) IsParticipant(userID string) bool {
	return userID == c.ParticipantA || userID == c.ParticipantB
}

// Message is immutable once persisted. Seq is the per-conversation total
// order (1, 2, 3, ...); CreatedAt is strictly increasing along Seq.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	Seq            int64
	CreatedAt      time.Time
}

// Store persists conversations and their messages.
//
// AppendMessage must be atomic: either the message is durably appended with
// the next sequence number or an error is returned and nothing changed.
// Concurrent appends to the same conversation never lose updates. A sender
// outside the conversation gets ErrNotParticipant.
type Store interface {
	FindOrCreateConversation(ctx context.Context, userA, userB string) (*Conversation, error)
	AppendMessage(ctx context.Context, conversationID, senderID, text string) (*Message, error)
	FetchConversation(ctx context.Context, userA, userB string) (*Conversation, error)
}
