package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used when no database is configured and
// in tests. It is goroutine-safe.
type MemoryStore struct {
	mu     sync.Mutex
	byPair map[string]*memoryThread // pair key -> thread
	byID   map[string]*memoryThread // conversation id -> thread
	now    func() time.Time
}

type memoryThread struct {
	conv     Conversation
	messages []Message
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byPair: make(map[string]*memoryThread),
		byID:   make(map[string]*memoryThread),
		now:    time.Now,
	}
}

// FindOrCreateConversation returns the thread for the pair, creating it on
// first use.
func (s *MemoryStore) FindOrCreateConversation(_ context.Context, userA, userB string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.threadLocked(NewPair(userA, userB))
	conv := t.conv
	return &conv, nil
}

func (s *MemoryStore) threadLocked(p Pair) *memoryThread {
	if t, ok := s.byPair[p.Key()]; ok {
		return t
	}
	now := s.now()
	t := &memoryThread{conv: Conversation{
		ID:           uuid.New().String(),
		ParticipantA: p.A,
		ParticipantB: p.B,
		CreatedAt:    now,
		UpdatedAt:    now,
	}}
	s.byPair[p.Key()] = t
	s.byID[t.conv.ID] = t
	return t
}

// AppendMessage appends a message with the next sequence number. CreatedAt is
// nudged forward when the clock has not advanced since the previous message
// so that creation times stay strictly increasing.
func (s *MemoryStore) AppendMessage(_ context.Context, conversationID, senderID, text string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	if !t.conv.IsParticipant(senderID) {
		return nil, ErrNotParticipant
	}

	created := s.now()
	if n := len(t.messages); n > 0 {
		if last := t.messages[n-1].CreatedAt; !created.After(last) {
			created = last.Add(time.Microsecond)
		}
	}

	msg := Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		Seq:            int64(len(t.messages) + 1),
		CreatedAt:      created,
	}
	t.messages = append(t.messages, msg)
	t.conv.UpdatedAt = created
	return &msg, nil
}

// FetchConversation returns the thread for the pair with a copy of its
// messages in sequence order.
func (s *MemoryStore) FetchConversation(_ context.Context, userA, userB string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.threadLocked(NewPair(userA, userB))
	conv := t.conv
	conv.Messages = make([]Message, len(t.messages))
	copy(conv.Messages, t.messages)
	return &conv, nil
}
