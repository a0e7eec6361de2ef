// Package typing tracks transient "is typing" state per (conversation, user)
// with automatic expiry. Like the registry, the state map is confined to the
// hub goroutine: expiry timers never touch the map themselves, they only
// report back through the expired callback, and the hub re-enters through
// Expire where a generation counter filters out stale fires.
package typing

import "time"

// DefaultTimeout is how long a typing indicator survives without a repeated
// start before a stop is synthesized.
const DefaultTimeout = 5 * time.Second

type key struct {
	conversationID string
	userID         string
}

type entry struct {
	timer *time.Timer
	gen   uint64
}

// Coordinator owns the typing-state map and its expiry timers.
type Coordinator struct {
	timeout time.Duration
	expired func(conversationID, userID string, gen uint64)
	entries map[key]*entry
	gen     uint64
}

// New creates a Coordinator. The expired callback fires from a timer
// goroutine when a typing entry times out; it must hand the event back to the
// owning goroutine, which then calls Expire with the same arguments.
func New(timeout time.Duration, expired func(conversationID, userID string, gen uint64)) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		timeout: timeout,
		expired: expired,
		entries: make(map[key]*entry),
	}
}

// Set records a typing start or stop. A repeated start resets the expiry
// timer rather than stacking a second one; a stop cancels any pending timer.
func (c *Coordinator) Set(conversationID, userID string, isTyping bool) {
	k := key{conversationID: conversationID, userID: userID}

	if e, ok := c.entries[k]; ok {
		e.timer.Stop()
		delete(c.entries, k)
	}

	if !isTyping {
		return
	}

	c.gen++
	gen := c.gen
	e := &entry{gen: gen}
	e.timer = time.AfterFunc(c.timeout, func() {
		c.expired(conversationID, userID, gen)
	})
	c.entries[k] = e
}

// Expire removes the entry for the key if gen still identifies the current
// timer. It returns true exactly when the caller should synthesize a typing
// stop; stale generations (the timer was reset or canceled after firing)
// return false.
func (c *Coordinator) Expire(conversationID, userID string, gen uint64) bool {
	k := key{conversationID: conversationID, userID: userID}
	e, ok := c.entries[k]
	if !ok || e.gen != gen {
		return false
	}
	delete(c.entries, k)
	return true
}

// CancelUser cancels and removes every typing entry belonging to userID.
// Called on disconnect so no timers leak and no stop events are synthesized
// for a user who is already gone. Returns the number of entries removed.
func (c *Coordinator) CancelUser(userID string) int {
	removed := 0
	for k, e := range c.entries {
		if k.userID != userID {
			continue
		}
		e.timer.Stop()
		delete(c.entries, k)
		removed++
	}
	return removed
}

// Active returns the number of live typing entries.
func (c *Coordinator) Active() int {
	return len(c.entries)
}
