package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PostgresStore persists conversations in PostgreSQL. The schema lives in
// db/migrations. Appends take a row lock on the conversation, which both
// serialises writers across server instances and hands out the sequence
// number.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// FindOrCreateConversation returns the conversation row for the canonical
// pair, inserting it when missing. Two concurrent creators race on the
// unique (participant_a, participant_b) constraint; the loser re-reads.
func (s *PostgresStore) FindOrCreateConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	p := NewPair(userA, userB)

	conv, err := s.findConversation(ctx, p)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation: find: %w", err)
	}

	const insert = `
		INSERT INTO conversations (id, participant_a, participant_b)
		VALUES ($1, $2, $3)
		ON CONFLICT (participant_a, participant_b) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, insert, uuid.New().String(), p.A, p.B); err != nil {
		return nil, fmt.Errorf("conversation: insert: %w", err)
	}

	conv, err = s.findConversation(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("conversation: find after insert: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) findConversation(ctx context.Context, p Pair) (*Conversation, error) {
	const query = `
		SELECT id, participant_a, participant_b, created_at, updated_at
		FROM conversations
		WHERE participant_a = $1 AND participant_b = $2`

	var c Conversation
	err := s.db.QueryRowContext(ctx, query, p.A, p.B).
		Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// AppendMessage bumps the conversation's sequence counter and inserts the
// message inside one transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID, senderID, text string) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("conversation: begin: %w", err)
	}
	defer tx.Rollback()

	// updated_at doubles as the message timestamp and never goes backwards.
	const bump = `
		UPDATE conversations
		SET last_seq = last_seq + 1,
		    updated_at = GREATEST(clock_timestamp(), updated_at + interval '1 microsecond')
		WHERE id = $1
		RETURNING participant_a, participant_b, last_seq, updated_at`

	msg := Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
	}
	var conv Conversation
	err = tx.QueryRowContext(ctx, bump, conversationID).
		Scan(&conv.ParticipantA, &conv.ParticipantB, &msg.Seq, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: bump sequence: %w", err)
	}
	// The deferred rollback undoes the bump.
	if !conv.IsParticipant(senderID) {
		return nil, ErrNotParticipant
	}

	const insert = `
		INSERT INTO messages (id, conversation_id, seq, sender_id, text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := tx.ExecContext(ctx, insert,
		msg.ID, msg.ConversationID, msg.Seq, msg.SenderID, msg.Text, msg.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("conversation: insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("conversation: commit: %w", err)
	}
	return &msg, nil
}

// FetchConversation returns the conversation for the pair with its full
// message history in sequence order.
func (s *PostgresStore) FetchConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	conv, err := s.FindOrCreateConversation(ctx, userA, userB)
	if err != nil {
		return nil, err
	}

	const query = `
		SELECT id, conversation_id, seq, sender_id, text, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("conversation: query messages: %w", err)
	}
	defer rows.Close()

	conv.Messages = []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.SenderID, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("conversation: scan message: %w", err)
		}
		conv.Messages = append(conv.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: iterate messages: %w", err)
	}
	return conv, nil
}
