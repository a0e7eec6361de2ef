package typing

import (
	"testing"
	"time"
)

type expiry struct {
	conversationID string
	userID         string
	gen            uint64
}

// newTestCoordinator wires expiry callbacks into a channel, standing in for
// the hub's event queue.
func newTestCoordinator(timeout time.Duration) (*Coordinator, chan expiry) {
	ch := make(chan expiry, 16)
	c := New(timeout, func(conversationID, userID string, gen uint64) {
		ch <- expiry{conversationID: conversationID, userID: userID, gen: gen}
	})
	return c, ch
}

func TestStartThenSilenceExpiresOnce(t *testing.T) {
	c, ch := newTestCoordinator(20 * time.Millisecond)

	c.Set("c1", "u1", true)
	if c.Active() != 1 {
		t.Fatalf("expected 1 active entry, got %d", c.Active())
	}

	var ev expiry
	select {
	case ev = <-ch:
	case <-time.After(time.Second):
		t.Fatal("expiry callback never fired")
	}

	if ev.conversationID != "c1" || ev.userID != "u1" {
		t.Fatalf("unexpected expiry event: %+v", ev)
	}
	if !c.Expire(ev.conversationID, ev.userID, ev.gen) {
		t.Fatal("expected Expire to confirm the stop")
	}
	// Exactly one stop: a replayed event must be rejected.
	if c.Expire(ev.conversationID, ev.userID, ev.gen) {
		t.Fatal("duplicate Expire must return false")
	}
	if c.Active() != 0 {
		t.Fatalf("expected 0 active entries, got %d", c.Active())
	}
}

func TestExplicitStopCancelsTimer(t *testing.T) {
	c, ch := newTestCoordinator(20 * time.Millisecond)

	c.Set("c1", "u1", true)
	c.Set("c1", "u1", false)

	if c.Active() != 0 {
		t.Fatalf("expected 0 active entries after stop, got %d", c.Active())
	}

	select {
	case ev := <-ch:
		// A fire that raced the stop must be rejected as stale.
		if c.Expire(ev.conversationID, ev.userID, ev.gen) {
			t.Fatal("expiry after explicit stop must not synthesize a second stop")
		}
	case <-time.After(60 * time.Millisecond):
		// Timer was stopped in time; nothing fired.
	}
}

func TestRepeatedStartResetsTimer(t *testing.T) {
	c, ch := newTestCoordinator(30 * time.Millisecond)

	c.Set("c1", "u1", true)
	c.Set("c1", "u1", true) // reset, does not stack

	if c.Active() != 1 {
		t.Fatalf("expected 1 active entry after repeated start, got %d", c.Active())
	}

	stops := 0
	deadline := time.After(300 * time.Millisecond)
	for stops == 0 {
		select {
		case ev := <-ch:
			if c.Expire(ev.conversationID, ev.userID, ev.gen) {
				stops++
			}
		case <-deadline:
			t.Fatal("no confirmed expiry after repeated start")
		}
	}

	// Drain any stale fire from the first timer; it must not confirm.
	select {
	case ev := <-ch:
		if c.Expire(ev.conversationID, ev.userID, ev.gen) {
			t.Fatal("stale timer fire must not produce a second stop")
		}
	case <-time.After(60 * time.Millisecond):
	}
}

func TestCancelUserRemovesAllEntriesForUser(t *testing.T) {
	c, ch := newTestCoordinator(20 * time.Millisecond)

	c.Set("c1", "u1", true)
	c.Set("c2", "u1", true)
	c.Set("c1", "u2", true)

	if removed := c.CancelUser("u1"); removed != 2 {
		t.Fatalf("expected 2 entries removed, got %d", removed)
	}
	if c.Active() != 1 {
		t.Fatalf("expected 1 entry left, got %d", c.Active())
	}

	// No orphaned stop events for the disconnected user: any timer that
	// already fired must fail the generation check.
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case ev := <-ch:
			confirmed := c.Expire(ev.conversationID, ev.userID, ev.gen)
			if confirmed && ev.userID == "u1" {
				t.Fatal("canceled entry produced a stop event")
			}
			if confirmed && ev.userID == "u2" {
				return // u2's timer expiring normally ends the test
			}
		case <-deadline:
			return
		}
	}
}

func TestCancelUserWithNoEntries(t *testing.T) {
	c, _ := newTestCoordinator(20 * time.Millisecond)
	if removed := c.CancelUser("ghost"); removed != 0 {
		t.Fatalf("expected 0 removed, got %d", removed)
	}
}
