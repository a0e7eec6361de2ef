package presence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kindred/chat-app/internal/protocol"
)

type fakeSource struct {
	partners map[string][]string
	err      error
	calls    int
}

func (f *fakeSource) ActivePartners(_ context.Context, userID string) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.partners[userID], nil
}

type fakeSender struct {
	sent map[string][][]byte // userID -> frames
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][][]byte)}
}

func (f *fakeSender) Send(userID string, frame []byte) bool {
	f.sent[userID] = append(f.sent[userID], frame)
	return true
}

type fakeRecorder struct {
	seen map[string]time.Time
}

func (f *fakeRecorder) SetLastSeen(_ context.Context, userID string, at time.Time) error {
	if f.seen == nil {
		f.seen = make(map[string]time.Time)
	}
	f.seen[userID] = at
	return nil
}

func decodePresence(t *testing.T, frame []byte) protocol.PresenceUpdatePayload {
	t.Helper()
	var f protocol.Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Type != protocol.TypePresenceUpdate {
		t.Fatalf("expected presence_update frame, got %q", f.Type)
	}
	var p protocol.PresenceUpdatePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return p
}

func TestOnlineFansOutToPartners(t *testing.T) {
	source := &fakeSource{partners: map[string][]string{"u1": {"u2", "u3"}}}
	sender := newFakeSender()
	c := New(source, sender, nil)

	if err := c.HandleOnline(context.Background(), "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, partner := range []string{"u2", "u3"} {
		frames := sender.sent[partner]
		if len(frames) != 1 {
			t.Fatalf("partner %s: expected exactly 1 frame, got %d", partner, len(frames))
		}
		p := decodePresence(t, frames[0])
		if p.UserID != "u1" || !p.IsOnline {
			t.Errorf("partner %s: unexpected payload %+v", partner, p)
		}
		if p.LastSeenAt != nil {
			t.Errorf("partner %s: online update must not carry lastSeenAt", partner)
		}
	}

	got := c.CachedPartners("u1")
	if len(got) != 2 {
		t.Fatalf("expected cached partner set of 2, got %v", got)
	}
}

func TestOnlineWithNoPartnersFansOutNothing(t *testing.T) {
	source := &fakeSource{partners: map[string][]string{}}
	sender := newFakeSender()
	c := New(source, sender, nil)

	if err := c.HandleOnline(context.Background(), "loner"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no fan-out, got %v", sender.sent)
	}
}

func TestOfflineUsesCachedSetAndRecordsLastSeen(t *testing.T) {
	source := &fakeSource{partners: map[string][]string{"u1": {"u2"}}}
	sender := newFakeSender()
	rec := &fakeRecorder{}
	c := New(source, sender, rec)

	if err := c.HandleOnline(context.Background(), "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lastSeen := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	if err := c.HandleOffline(context.Background(), "u1", lastSeen); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The partner-set source is consulted only at connect time.
	if source.calls != 1 {
		t.Errorf("expected 1 source lookup, got %d", source.calls)
	}

	frames := sender.sent["u2"]
	if len(frames) != 2 {
		t.Fatalf("expected online + offline frames, got %d", len(frames))
	}
	p := decodePresence(t, frames[1])
	if p.UserID != "u1" || p.IsOnline {
		t.Errorf("unexpected offline payload: %+v", p)
	}
	if p.LastSeenAt == nil || !p.LastSeenAt.Equal(lastSeen) {
		t.Errorf("expected lastSeenAt %v, got %v", lastSeen, p.LastSeenAt)
	}

	if got := rec.seen["u1"]; !got.Equal(lastSeen) {
		t.Errorf("expected recorded last_seen %v, got %v", lastSeen, got)
	}
	if c.CachedPartners("u1") != nil {
		t.Error("cached partner set should be discarded at disconnect")
	}
}

func TestOfflineWithoutPriorOnlineIsSilent(t *testing.T) {
	sender := newFakeSender()
	c := New(&fakeSource{}, sender, nil)

	if err := c.HandleOffline(context.Background(), "u1", time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no fan-out, got %v", sender.sent)
	}
}

func TestOnlineLookupErrorStillCachesEmptySet(t *testing.T) {
	source := &fakeSource{err: errors.New("db down")}
	sender := newFakeSender()
	c := New(source, sender, nil)

	if err := c.HandleOnline(context.Background(), "u1"); err == nil {
		t.Fatal("expected error from partner lookup")
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no fan-out on lookup failure, got %v", sender.sent)
	}

	// Offline after a failed lookup must not panic or fan out.
	if err := c.HandleOffline(context.Background(), "u1", time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// Repeated connect/disconnect cycles emit exactly one online and one offline
// update per partner per cycle, with non-decreasing lastSeenAt.
func TestConnectDisconnectCycles(t *testing.T) {
	source := &fakeSource{partners: map[string][]string{"u1": {"u2"}}}
	sender := newFakeSender()
	c := New(source, sender, nil)

	base := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := c.HandleOnline(context.Background(), "u1"); err != nil {
			t.Fatalf("cycle %d online: %v", i, err)
		}
		if err := c.HandleOffline(context.Background(), "u1", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("cycle %d offline: %v", i, err)
		}
	}

	frames := sender.sent["u2"]
	if len(frames) != 6 {
		t.Fatalf("expected 6 frames over 3 cycles, got %d", len(frames))
	}

	var prev time.Time
	for i, frame := range frames {
		p := decodePresence(t, frame)
		if i%2 == 0 && !p.IsOnline {
			t.Errorf("frame %d: expected online update", i)
		}
		if i%2 == 1 {
			if p.IsOnline {
				t.Errorf("frame %d: expected offline update", i)
			}
			if p.LastSeenAt.Before(prev) {
				t.Errorf("frame %d: lastSeenAt went backwards: %v < %v", i, p.LastSeenAt, prev)
			}
			prev = *p.LastSeenAt
		}
	}
}
