// Package auth verifies access tokens presented at connection time. Tokens
// are opaque strings issued by the account service and mirrored into Redis as
//
//	Key:   token:<token>
//	Value: <user_id>
//	TTL:   token lifetime
//
// so this layer can resolve them with a single lookup. Token issuance and
// password handling live in the account service, not here.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// TokenPrefix is the Redis key prefix for access tokens.
	TokenPrefix = "token:"

	// DefaultTokenTTL is the lifetime applied by Issue.
	DefaultTokenTTL = 24 * time.Hour
)

// ErrInvalidToken is returned for missing, expired, or unknown tokens.
var ErrInvalidToken = errors.New("auth: invalid token")

// Store resolves access tokens against Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a token store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Verify resolves token to a user id. It returns ErrInvalidToken for an
// empty, unknown, or expired token; other errors indicate a Redis failure.
func (s *Store) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	userID, err := s.client.Get(ctx, TokenPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("auth: token lookup: %w", err)
	}
	return userID, nil
}

// Issue creates a fresh token for userID with the given TTL (DefaultTokenTTL
// when ttl <= 0). Used by ops tooling and integration tests; production
// tokens are written by the account service.
func (s *Store) Issue(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	token := uuid.New().String()
	if err := s.client.Set(ctx, TokenPrefix+token, userID, ttl).Err(); err != nil {
		return "", fmt.Errorf("auth: issue token: %w", err)
	}
	return token, nil
}

// Revoke deletes a token immediately.
func (s *Store) Revoke(ctx context.Context, token string) error {
	return s.client.Del(ctx, TokenPrefix+token).Err()
}
