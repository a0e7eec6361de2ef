// Package session tracks per-user connection state in Redis: which server
// instance a user is connected to, and when they were last seen. Last-seen
// timestamps back the presence_update offline fan-out and must survive server
// restarts so they stay non-decreasing across connect/disconnect cycles.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// UserPrefix is the Redis key prefix for per-user session hashes.
	UserPrefix = "user:"

	// SessionTTL is the time-to-live for user session keys. It is refreshed
	// on every state change; a user idle longer than this simply has no
	// recorded last-seen, which the presence layer tolerates.
	SessionTTL = 30 * 24 * time.Hour
)

// Store manages user session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this server instance
}

// NewStore creates a session store connected to Redis and verifies the
// connection before returning.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// SetOnline records that userID is connected to this server instance.
func (s *Store) SetOnline(ctx context.Context, userID string) error {
	key := UserPrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "online", "true", "server", s.serverName, "connected_at", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetLastSeen marks userID offline and records the last-seen timestamp. It
// implements the presence coordinator's LastSeenRecorder.
func (s *Store) SetLastSeen(ctx context.Context, userID string, at time.Time) error {
	key := UserPrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "online", "false", "last_seen", at.Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// LastSeen returns the recorded last-seen time for userID. The second return
// value is false when no timestamp has been recorded.
func (s *Store) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	key := UserPrefix + userID
	val, err := s.client.HGet(ctx, key, "last_seen").Int64()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("session: last_seen for %s: %w", userID, err)
	}
	return time.Unix(val, 0).UTC(), true, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages
// (token store, rate limiter).
func (s *Store) Client() *redis.Client {
	return s.client
}
