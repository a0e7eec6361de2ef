// Package conversation provides PostgreSQL-backed lookup of conversations
// and their participants. The live-messaging layer only reads here: it needs
// to know who the counterpart of a conversation is and which partners a user
// actively talks to. Creation, archiving and blocking are owned by the REST
// API.
package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// StatusActive is the only status the live layer delivers for. Archived and
// blocked conversations are invisible to presence, typing and messages.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
	StatusBlocked  = "blocked"
)

// ErrNotFound is returned when a conversation does not exist, is not active,
// or the acting user is not a participant. Callers surface all three cases
// identically (CONVERSATION_NOT_FOUND) so membership is not probeable.
var ErrNotFound = errors.New("conversation: not found")

// Store manages conversation lookups in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a conversation store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Partner returns the counterpart user id for conversationID, verifying that
// userID is a participant and that the conversation is active. Any failure of
// those checks yields ErrNotFound.
func (s *Store) Partner(ctx context.Context, conversationID, userID string) (string, error) {
	const query = `
		SELECT user_a, user_b
		FROM conversations
		WHERE id = $1 AND status = $2`

	var userA, userB string
	err := s.db.QueryRowContext(ctx, query, conversationID, StatusActive).Scan(&userA, &userB)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("conversation: partner lookup: %w", err)
	}

	switch userID {
	case userA:
		return userB, nil
	case userB:
		return userA, nil
	default:
		return "", ErrNotFound
	}
}

// ActivePartners returns the ids of every user sharing an active conversation
// with userID. An empty result is not an error. This feeds the presence
// coordinator's partner-set cache, computed once per connect.
func (s *Store) ActivePartners(ctx context.Context, userID string) ([]string, error) {
	const query = `
		SELECT CASE WHEN user_a = $1 THEN user_b ELSE user_a END
		FROM conversations
		WHERE (user_a = $1 OR user_b = $1) AND status = $2`

	rows, err := s.db.QueryContext(ctx, query, userID, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("conversation: active partners: %w", err)
	}
	defer rows.Close()

	var partners []string
	for rows.Next() {
		var partner string
		if err := rows.Scan(&partner); err != nil {
			return nil, fmt.Errorf("conversation: scan partner: %w", err)
		}
		partners = append(partners, partner)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: iterate partners: %w", err)
	}
	return partners, nil
}

// IsParticipant reports whether userID belongs to conversationID regardless
// of status. Used by the history endpoint, which may serve archived threads.
func (s *Store) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM conversations
			WHERE id = $1 AND (user_a = $2 OR user_b = $2)
		)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("conversation: participant check: %w", err)
	}
	return ok, nil
}
