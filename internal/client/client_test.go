package client

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/kindred/chat-app/internal/protocol"
)

// ---------------------------------------------------------------------------
// Fake server
// ---------------------------------------------------------------------------

// fakeServer is the peer end of a net.Pipe transport. A pump goroutine keeps
// reading client frames (net.Pipe writes block until consumed) and forwards
// them decoded on inbound.
type fakeServer struct {
	conn    net.Conn
	inbound chan decodedClientFrame
}

type decodedClientFrame struct {
	frameType string
	payload   interface{}
}

func newFakeServer(conn net.Conn) *fakeServer {
	s := &fakeServer{conn: conn, inbound: make(chan decodedClientFrame, 64)}
	go func() {
		for {
			data, err := wsutil.ReadClientText(conn)
			if err != nil {
				close(s.inbound)
				return
			}
			frameType, payload, err := protocol.ParseClientFrame(data)
			if err != nil {
				continue
			}
			s.inbound <- decodedClientFrame{frameType: frameType, payload: payload}
		}
	}()
	return s
}

func (s *fakeServer) send(t *testing.T, frameType string, payload interface{}) {
	t.Helper()
	frame, err := protocol.NewFrame(frameType, payload)
	if err != nil {
		t.Fatalf("build %s frame: %v", frameType, err)
	}
	if err := wsutil.WriteServerMessage(s.conn, ws.OpText, frame); err != nil {
		t.Fatalf("write %s frame: %v", frameType, err)
	}
}

func (s *fakeServer) expect(t *testing.T, frameType string) decodedClientFrame {
	t.Helper()
	for {
		select {
		case f, ok := <-s.inbound:
			if !ok {
				t.Fatalf("connection closed while waiting for %s", frameType)
			}
			if f.frameType == frameType {
				return f
			}
			// Skip interleaved pings.
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s frame", frameType)
		}
	}
}

// pipeDialer returns a DialFunc whose every successful call hands the server
// side of a fresh pipe to the servers channel, plus a call counter.
func pipeDialer(servers chan *fakeServer) (DialFunc, *atomic.Int32) {
	var calls atomic.Int32
	dial := func(ctx context.Context, url string) (net.Conn, error) {
		calls.Add(1)
		clientSide, serverSide := net.Pipe()
		servers <- newFakeServer(serverSide)
		return clientSide, nil
	}
	return dial, &calls
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---------------------------------------------------------------------------
// Backoff
// ---------------------------------------------------------------------------

func TestBackoffSequence(t *testing.T) {
	base := 1 * time.Second
	max := 30 * time.Second

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for attempt, expected := range want {
		if got := backoffDelay(base, max, attempt); got != expected {
			t.Errorf("attempt %d: expected %v, got %v", attempt, expected, got)
		}
	}

	// Beyond the doubling range the delay is capped.
	if got := backoffDelay(base, max, 5); got != max {
		t.Errorf("attempt 5: expected cap %v, got %v", max, got)
	}
	if got := backoffDelay(base, max, 40); got != max {
		t.Errorf("overflow attempt: expected cap %v, got %v", max, got)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestConnectIsNoOpWhenConnected(t *testing.T) {
	servers := make(chan *fakeServer, 4)
	dial, calls := pipeDialer(servers)

	c := New(Config{URL: "ws://example/ws", Token: "tok", Dial: dial})
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !c.IsConnected() {
		t.Fatal("expected connected state")
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 dial, got %d", got)
	}
}

func TestConnectAppendsToken(t *testing.T) {
	var dialed string
	dial := func(ctx context.Context, url string) (net.Conn, error) {
		dialed = url
		return nil, errors.New("refused")
	}

	c := New(Config{URL: "ws://example/ws", Token: "secret-token", Dial: dial})
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	if !strings.Contains(dialed, "token=secret-token") {
		t.Fatalf("expected token query parameter, dialed %q", dialed)
	}
	if c.State() != Disconnected {
		t.Fatalf("failed connect must leave state disconnected, got %v", c.State())
	}
}

func TestReconnectGivesUpAfterCap(t *testing.T) {
	servers := make(chan *fakeServer, 4)
	var calls atomic.Int32
	dial := func(ctx context.Context, url string) (net.Conn, error) {
		if calls.Add(1) == 1 {
			clientSide, serverSide := net.Pipe()
			servers <- newFakeServer(serverSide)
			return clientSide, nil
		}
		return nil, errors.New("refused")
	}

	c := New(Config{
		URL:         "ws://example/ws",
		Token:       "tok",
		Dial:        dial,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  4 * time.Millisecond,
	})
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	srv := <-servers
	srv.conn.Close()

	// Five reconnect attempts on top of the initial dial, then silence.
	waitFor(t, func() bool { return calls.Load() == 6 }, "reconnect attempts")
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 6 {
		t.Fatalf("expected no 6th reconnect attempt, got %d dials total", got)
	}
	if c.IsConnected() {
		t.Fatal("expected disconnected state after giving up")
	}
}

func TestReconnectResetsAttemptsOnSuccess(t *testing.T) {
	servers := make(chan *fakeServer, 4)
	dial, calls := pipeDialer(servers)

	c := New(Config{
		URL:         "ws://example/ws",
		Token:       "tok",
		Dial:        dial,
		BaseBackoff: time.Millisecond,
	})
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	first := <-servers
	first.conn.Close()

	waitFor(t, func() bool { return calls.Load() == 2 && c.IsConnected() }, "reconnect")
	<-servers

	c.mu.Lock()
	attempts := c.attempts
	c.mu.Unlock()
	if attempts != 0 {
		t.Fatalf("expected attempt counter reset on successful reconnect, got %d", attempts)
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	servers := make(chan *fakeServer, 4)
	dial, calls := pipeDialer(servers)

	c := New(Config{
		URL:         "ws://example/ws",
		Token:       "tok",
		Dial:        dial,
		BaseBackoff: 50 * time.Millisecond,
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	srv := <-servers
	srv.conn.Close()

	waitFor(t, func() bool { return !c.IsConnected() }, "connection loss")
	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("deliberate disconnect must cancel the reconnect timer, got %d dials", got)
	}
}

func TestDisconnectDuringDialIsHonored(t *testing.T) {
	dialStarted := make(chan struct{})
	release := make(chan struct{})
	clientSide, serverSide := net.Pipe()
	defer serverSide.Close()

	dial := func(ctx context.Context, url string) (net.Conn, error) {
		close(dialStarted)
		<-release
		return clientSide, nil
	}

	c := New(Config{URL: "ws://example/ws", Token: "tok", Dial: dial})

	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect(context.Background()) }()

	<-dialStarted
	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	close(release)

	if err := <-errCh; err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.IsConnected() {
		t.Fatal("disconnect during dial must not leave the client connected")
	}

	// The late-arriving transport was closed, not installed.
	_ = serverSide.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := serverSide.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected the dialed connection to be closed")
	}
}

// ---------------------------------------------------------------------------
// Heartbeat
// ---------------------------------------------------------------------------

func TestPingLoopSendsAtInterval(t *testing.T) {
	servers := make(chan *fakeServer, 4)
	dial, _ := pipeDialer(servers)

	c := New(Config{
		URL:          "ws://example/ws",
		Token:        "tok",
		Dial:         dial,
		PingInterval: 10 * time.Millisecond,
	})
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	srv := <-servers

	srv.expect(t, protocol.TypePing)
	srv.expect(t, protocol.TypePing)
}

// ---------------------------------------------------------------------------
// Sending and pending tracking
// ---------------------------------------------------------------------------

func TestSendMessageResolvedByAcknowledgment(t *testing.T) {
	servers := make(chan *fakeServer, 4)
	dial, _ := pipeDialer(servers)

	c := New(Config{URL: "ws://example/ws", Token: "tok", Dial: dial})
	defer c.Disconnect()

	var mu sync.Mutex
	var acked []protocol.MessageSentPayload
	c.OnMessageSent(func(p protocol.MessageSentPayload) {
		mu.Lock()
		acked = append(acked, p)
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	srv := <-servers

	tempID, err := c.SendMessage("c1", "hello", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(c.Pending()) != 1 {
		t.Fatalf("expected 1 pending message, got %d", len(c.Pending()))
	}

	got := srv.expect(t, protocol.TypeSendMessage)
	p := got.payload.(protocol.SendMessagePayload)
	if p.TempID != tempID || p.Content != "hello" || p.ConversationID != "c1" {
		t.Fatalf("unexpected send_message payload: %+v", p)
	}

	srv.send(t, protocol.TypeMessageSent, protocol.MessageSentPayload{
		TempID: tempID,
		Message: protocol.Message{
			ID: "m1", ConversationID: "c1", SenderID: "u1",
			Content: "hello", CreatedAt: time.Now().UTC(),
		},
	})

	waitFor(t, func() bool { return len(c.Pending()) == 0 }, "pending entry resolution")
	mu.Lock()
	defer mu.Unlock()
	if len(acked) != 1 || acked[0].Message.ID != "m1" {
		t.Fatalf("expected one acknowledgment for m1, got %+v", acked)
	}
}

func TestPendingMarkedFailedOnConnectionLoss(t *testing.T) {
	servers := make(chan *fakeServer, 4)
	dial, _ := pipeDialer(servers)

	c := New(Config{
		URL:         "ws://example/ws",
		Token:       "tok",
		Dial:        dial,
		BaseBackoff: time.Minute, // keep reconnects out of this test
	})
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	srv := <-servers

	if _, err := c.SendMessage("c1", "hello", ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	srv.expect(t, protocol.TypeSendMessage)

	// The server dies before acknowledging.
	srv.conn.Close()
	waitFor(t, func() bool {
		pending := c.Pending()
		return len(pending) == 1 && pending[0].Failed
	}, "pending entry marked failed")

	// No automatic resend: the entry stays until the user acts.
	time.Sleep(20 * time.Millisecond)
	if pending := c.Pending(); len(pending) != 1 {
		t.Fatalf("expected failed entry to remain, got %d", len(pending))
	}
	c.Discard(c.Pending()[0].TempID)
	if len(c.Pending()) != 0 {
		t.Fatal("expected discard to drop the entry")
	}
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

func TestHandlerFanOutAndUnsubscribe(t *testing.T) {
	servers := make(chan *fakeServer, 4)
	dial, _ := pipeDialer(servers)

	c := New(Config{URL: "ws://example/ws", Token: "tok", Dial: dial})
	defer c.Disconnect()

	var first, second atomic.Int32
	unsubFirst := c.OnTypingUpdate(func(protocol.TypingUpdatePayload) { first.Add(1) })
	c.OnTypingUpdate(func(protocol.TypingUpdatePayload) { second.Add(1) })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	srv := <-servers

	srv.send(t, protocol.TypeTypingUpdate, protocol.TypingUpdatePayload{
		ConversationID: "c1", UserID: "u2", IsTyping: true,
	})
	waitFor(t, func() bool { return first.Load() == 1 && second.Load() == 1 }, "fan-out to both handlers")

	unsubFirst()
	srv.send(t, protocol.TypeTypingUpdate, protocol.TypingUpdatePayload{
		ConversationID: "c1", UserID: "u2", IsTyping: false,
	})
	waitFor(t, func() bool { return second.Load() == 2 }, "second handler after unsubscribe")
	if first.Load() != 1 {
		t.Fatalf("unsubscribed handler must not fire, got %d calls", first.Load())
	}
}

func TestPresenceHandlerReceivesPayload(t *testing.T) {
	servers := make(chan *fakeServer, 4)
	dial, _ := pipeDialer(servers)

	c := New(Config{URL: "ws://example/ws", Token: "tok", Dial: dial})
	defer c.Disconnect()

	got := make(chan protocol.PresenceUpdatePayload, 1)
	c.OnPresenceUpdate(func(p protocol.PresenceUpdatePayload) { got <- p })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	srv := <-servers

	at := time.Now().UTC()
	srv.send(t, protocol.TypePresenceUpdate, protocol.PresenceUpdatePayload{
		UserID: "u2", IsOnline: false, LastSeenAt: &at,
	})

	select {
	case p := <-got:
		if p.UserID != "u2" || p.IsOnline || p.LastSeenAt == nil {
			t.Fatalf("unexpected presence payload: %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence update")
	}
}
