// Package presence announces online/offline transitions to a user's active
// conversation partners. The partner set is computed once at connect time and
// cached until disconnect; staleness in between is accepted. The cache map is
// confined to the hub goroutine.
package presence

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/kindred/chat-app/internal/protocol"
)

// Sender delivers an encoded frame to a user, best-effort. A false return
// means the target was unreachable; it is never treated as an error.
type Sender interface {
	Send(userID string, frame []byte) bool
}

// PartnerSource resolves the set of users who share an active (non-archived,
// non-blocked) conversation with the given user.
type PartnerSource interface {
	ActivePartners(ctx context.Context, userID string) ([]string, error)
}

// LastSeenRecorder persists the last-seen timestamp emitted with offline
// updates, so it survives process restarts and stays non-decreasing.
type LastSeenRecorder interface {
	SetLastSeen(ctx context.Context, userID string, at time.Time) error
}

// Coordinator owns the per-user cached partner sets and the presence fan-out.
type Coordinator struct {
	partners map[string][]string
	source   PartnerSource
	sender   Sender
	lastSeen LastSeenRecorder
}

// New creates a Coordinator. lastSeen may be nil, in which case last-seen
// timestamps are only carried on the wire and not persisted.
func New(source PartnerSource, sender Sender, lastSeen LastSeenRecorder) *Coordinator {
	return &Coordinator{
		partners: make(map[string][]string),
		source:   source,
		sender:   sender,
		lastSeen: lastSeen,
	}
}

// HandleOnline runs the Offline -> Online transition: it computes and caches
// the partner set, then sends each partner an online presence update. A user
// with zero active conversations fans out nothing. Delivery misses are
// silently dropped. The partner-set lookup is the only blocking call.
func (c *Coordinator) HandleOnline(ctx context.Context, userID string) error {
	set, err := c.source.ActivePartners(ctx, userID)
	if err != nil {
		// Cache an empty set so the offline path stays symmetric.
		c.partners[userID] = nil
		return fmt.Errorf("presence: partner lookup for %s: %w", userID, err)
	}
	c.partners[userID] = set

	if len(set) == 0 {
		return nil
	}

	frame, err := protocol.NewFrame(protocol.TypePresenceUpdate, protocol.PresenceUpdatePayload{
		UserID:   userID,
		IsOnline: true,
	})
	if err != nil {
		return fmt.Errorf("presence: build online frame for %s: %w", userID, err)
	}

	for _, partner := range set {
		c.sender.Send(partner, frame)
	}
	return nil
}

// HandleOffline runs the Online -> Offline transition: it sends each cached
// partner an offline update carrying lastSeen, records lastSeen, and discards
// the cached set. Safe to call for a user with no cached set.
func (c *Coordinator) HandleOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	set, ok := c.partners[userID]
	delete(c.partners, userID)

	if c.lastSeen != nil {
		if err := c.lastSeen.SetLastSeen(ctx, userID, lastSeen); err != nil {
			log.Printf("presence: record last_seen user=%s: %v", userID, err)
		}
	}

	if !ok || len(set) == 0 {
		return nil
	}

	frame, err := protocol.NewFrame(protocol.TypePresenceUpdate, protocol.PresenceUpdatePayload{
		UserID:     userID,
		IsOnline:   false,
		LastSeenAt: &lastSeen,
	})
	if err != nil {
		return fmt.Errorf("presence: build offline frame for %s: %w", userID, err)
	}

	for _, partner := range set {
		c.sender.Send(partner, frame)
	}
	return nil
}

// CachedPartners returns the cached partner set for userID, or nil if the
// user is not online.
func (c *Coordinator) CachedPartners(userID string) []string {
	return c.partners[userID]
}
