// Package message persists chat messages in PostgreSQL and validates their
// content. The database assigns the authoritative creation timestamp;
// creation order within a conversation governs both live fan-out and history
// replay.
package message

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kindred/chat-app/internal/protocol"
)

// Moderation statuses assigned to persisted messages. Every message starts
// pending; the asynchronous moderation service moves it on from there.
const (
	ModerationPending  = "pending"
	ModerationApproved = "approved"
	ModerationFlagged  = "flagged"
)

// Message is a persisted chat message.
type Message struct {
	ID                string
	ConversationID    string
	SenderID          string
	Content           string
	QuotedProfileText string
	Read              bool
	ModerationStatus  string
	CreatedAt         time.Time
}

// Wire converts the record to its protocol representation.
func (m *Message) Wire() protocol.Message {
	return protocol.Message{
		ID:                m.ID,
		ConversationID:    m.ConversationID,
		SenderID:          m.SenderID,
		Content:           m.Content,
		QuotedProfileText: m.QuotedProfileText,
		Read:              m.Read,
		ModerationStatus:  m.ModerationStatus,
		CreatedAt:         m.CreatedAt,
	}
}

// Store manages messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Persist inserts a message and returns the canonical record with the
// server-assigned id and creation timestamp. The client's tempId never
// reaches this layer.
func (s *Store) Persist(ctx context.Context, conversationID, senderID, content, quotedProfileText string) (*Message, error) {
	const query = `
		INSERT INTO messages (id, conversation_id, sender_id, content, quoted_profile_text, read, moderation_status)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		RETURNING created_at`

	m := &Message{
		ID:                uuid.New().String(),
		ConversationID:    conversationID,
		SenderID:          senderID,
		Content:           content,
		QuotedProfileText: quotedProfileText,
		ModerationStatus:  ModerationPending,
	}

	err := s.db.QueryRowContext(ctx, query,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.QuotedProfileText, m.ModerationStatus,
	).Scan(&m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("message: insert: %w", err)
	}
	return m, nil
}

// History returns up to limit messages of a conversation in creation order
// (oldest first), matching live fan-out order. This is the path an offline
// user catches up through after reconnecting.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	const query = `
		SELECT id, conversation_id, sender_id, content, quoted_profile_text, read, moderation_status, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("message: history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content,
			&m.QuotedProfileText, &m.Read, &m.ModerationStatus, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: iterate: %w", err)
	}
	return out, nil
}

// SetModerationStatus updates a message's moderation status. Called by the
// moderation-result subscriber.
func (s *Store) SetModerationStatus(ctx context.Context, messageID, status string) error {
	const query = `UPDATE messages SET moderation_status = $2 WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, messageID, status); err != nil {
		return fmt.Errorf("message: set moderation status: %w", err)
	}
	return nil
}

// MarkRead flags every message in the conversation not sent by userID as
// read. Invoked from the history fetch, since reading history is how a
// recipient observes messages delivered while they were offline.
func (s *Store) MarkRead(ctx context.Context, conversationID, userID string) error {
	const query = `
		UPDATE messages SET read = TRUE
		WHERE conversation_id = $1 AND sender_id <> $2 AND NOT read`
	if _, err := s.db.ExecContext(ctx, query, conversationID, userID); err != nil {
		return fmt.Errorf("message: mark read: %w", err)
	}
	return nil
}
