package ws

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/kindred/chat-app/internal/protocol"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type serverFrame struct {
	frameType string
	payload   interface{}
}

// newPipeConn returns a Connection backed by one end of a net.Pipe and a
// channel carrying every server frame written to it, decoded through the
// client-side parser. net.Pipe is unbuffered, so the reader goroutine must
// stay ahead of the writes under test.
func newPipeConn(t *testing.T) (*Connection, <-chan serverFrame) {
	t.Helper()

	serverSide, clientSide := net.Pipe()
	c := &Connection{
		ID:          "conn-1",
		User:        "u1",
		Conn:        serverSide,
		Fd:          -1,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	frames := make(chan serverFrame, 16)
	go func() {
		defer close(frames)
		for {
			data, err := wsutil.ReadServerText(clientSide)
			if err != nil {
				return
			}
			frameType, payload, err := protocol.ParseServerFrame(data)
			if err != nil {
				return
			}
			frames <- serverFrame{frameType: frameType, payload: payload}
		}
	}()

	t.Cleanup(func() {
		serverSide.Close()
		clientSide.Close()
	})
	return c, frames
}

func recvFrame(t *testing.T, frames <-chan serverFrame) serverFrame {
	t.Helper()
	select {
	case f, ok := <-frames:
		if !ok {
			t.Fatal("frame channel closed before a frame arrived")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a server frame")
	}
	return serverFrame{}
}

func clientFrame(t *testing.T, frameType string, payload interface{}) []byte {
	t.Helper()
	data, err := protocol.NewFrame(frameType, payload)
	if err != nil {
		t.Fatalf("failed to build %q frame: %v", frameType, err)
	}
	return data
}

// ---------------------------------------------------------------------------
// Test: Ping frames get a pong and refresh the heartbeat deadline
// ---------------------------------------------------------------------------

func TestDispatchPingAnswersPong(t *testing.T) {
	conn, frames := newPipeConn(t)
	conn.LastPing = time.Now().Add(-time.Minute)
	before := conn.LastPing

	d := NewDispatcher()
	d.Dispatch(conn, clientFrame(t, protocol.TypePing, protocol.PingPayload{}))

	f := recvFrame(t, frames)
	if f.frameType != protocol.TypePong {
		t.Fatalf("expected %q, got %q", protocol.TypePong, f.frameType)
	}
	if !conn.LastPing.After(before) {
		t.Error("expected LastPing to be refreshed by the ping")
	}
}

// ---------------------------------------------------------------------------
// Test: Registered handlers receive the typed payload
// ---------------------------------------------------------------------------

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	conn, _ := newPipeConn(t)

	var mu sync.Mutex
	var got []protocol.TypingPayload

	d := NewDispatcher()
	d.Register(protocol.TypeTyping, func(c *Connection, payload interface{}) {
		tp, ok := payload.(protocol.TypingPayload)
		if !ok {
			t.Errorf("expected TypingPayload, got %T", payload)
			return
		}
		mu.Lock()
		got = append(got, tp)
		mu.Unlock()
	})

	d.Dispatch(conn, clientFrame(t, protocol.TypeTyping, protocol.TypingPayload{
		ConversationID: "c1",
		IsTyping:       true,
	}))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected 1 handler invocation, got %d", len(got))
	}
	if got[0].ConversationID != "c1" || !got[0].IsTyping {
		t.Errorf("unexpected payload: %+v", got[0])
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed frames produce PARSE_ERROR
// ---------------------------------------------------------------------------

func TestDispatchMalformedFrame(t *testing.T) {
	conn, frames := newPipeConn(t)

	d := NewDispatcher()
	d.Dispatch(conn, []byte(`{not json`))

	f := recvFrame(t, frames)
	if f.frameType != protocol.TypeError {
		t.Fatalf("expected %q, got %q", protocol.TypeError, f.frameType)
	}
	ep := f.payload.(protocol.ErrorPayload)
	if ep.Code != protocol.CodeParseError {
		t.Errorf("expected code %q, got %q", protocol.CodeParseError, ep.Code)
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown frame types produce UNSUPPORTED_TYPE, not PARSE_ERROR
// ---------------------------------------------------------------------------

func TestDispatchUnknownFrameType(t *testing.T) {
	conn, frames := newPipeConn(t)

	d := NewDispatcher()
	d.Dispatch(conn, []byte(`{"type":"presence_update","payload":{}}`))

	f := recvFrame(t, frames)
	if f.frameType != protocol.TypeError {
		t.Fatalf("expected %q, got %q", protocol.TypeError, f.frameType)
	}
	ep := f.payload.(protocol.ErrorPayload)
	if ep.Code != protocol.CodeUnsupportedType {
		t.Errorf("expected code %q, got %q", protocol.CodeUnsupportedType, ep.Code)
	}
}

// ---------------------------------------------------------------------------
// Test: Known frame type with no handler registered
// ---------------------------------------------------------------------------

func TestDispatchUnhandledFrameType(t *testing.T) {
	conn, frames := newPipeConn(t)

	d := NewDispatcher()
	d.Dispatch(conn, clientFrame(t, protocol.TypeSendMessage, protocol.SendMessagePayload{
		ConversationID: "c1",
		Content:        "hi",
		TempID:         "t1",
	}))

	f := recvFrame(t, frames)
	if f.frameType != protocol.TypeError {
		t.Fatalf("expected %q, got %q", protocol.TypeError, f.frameType)
	}
	ep := f.payload.(protocol.ErrorPayload)
	if ep.Code != protocol.CodeUnsupportedType {
		t.Errorf("expected code %q, got %q", protocol.CodeUnsupportedType, ep.Code)
	}
}

// ---------------------------------------------------------------------------
// Test: Concurrent writes on one connection do not interleave
// ---------------------------------------------------------------------------

func TestConnectionWriteFrameSerialized(t *testing.T) {
	conn, frames := newPipeConn(t)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := protocol.NewFrame(protocol.TypePong, protocol.PongPayload{})
			if err != nil {
				t.Errorf("failed to build frame: %v", err)
				return
			}
			if err := conn.WriteFrame(data); err != nil {
				t.Errorf("write failed: %v", err)
			}
		}()
	}

	for i := 0; i < writers; i++ {
		f := recvFrame(t, frames)
		if f.frameType != protocol.TypePong {
			t.Fatalf("frame %d: expected %q, got %q", i, protocol.TypePong, f.frameType)
		}
	}
	wg.Wait()
}

// ---------------------------------------------------------------------------
// Test: ConnectionManager removal is idempotent
// ---------------------------------------------------------------------------

func TestConnectionManagerRemoveIdempotent(t *testing.T) {
	cm := NewConnectionManager()

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	c := &Connection{ID: "conn-1", User: "u1", Conn: serverSide, Fd: 42}
	cm.Add(c)

	if cm.Count() != 1 {
		t.Fatalf("expected 1 connection, got %d", cm.Count())
	}
	if got := cm.Get("conn-1"); got != c {
		t.Fatal("expected Get to return the added connection")
	}

	if !cm.Remove("conn-1") {
		t.Error("first Remove should report the connection as found")
	}
	if cm.Remove("conn-1") {
		t.Error("second Remove should report the connection as already gone")
	}
	if cm.Count() != 0 {
		t.Errorf("expected 0 connections, got %d", cm.Count())
	}

	// Remove closes the socket, so the peer observes EOF.
	_ = clientSide.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := clientSide.Read(make([]byte, 1)); err == nil {
		t.Error("expected the removed connection's socket to be closed")
	}
}

// ---------------------------------------------------------------------------
// Test: Heartbeat sweep evicts only idle connections
// ---------------------------------------------------------------------------

func TestHeartbeatSweepEvictsIdleConnections(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil)
	p, err := NewPoller()
	if err != nil {
		t.Fatalf("failed to create poller: %v", err)
	}
	defer p.Close()
	s.poller = p

	var mu sync.Mutex
	var evicted []string
	s.SetOnDisconnect(func(c *Connection) {
		mu.Lock()
		evicted = append(evicted, c.ID)
		mu.Unlock()
	})

	staleServer, staleClient := net.Pipe()
	defer staleClient.Close()
	freshServer, freshClient := net.Pipe()
	defer freshClient.Close()
	defer freshServer.Close()

	config := HeartbeatConfig{SweepInterval: time.Hour, IdleTimeout: time.Minute}
	stale := &Connection{ID: "stale", User: "u1", Conn: staleServer, Fd: -1,
		LastPing: time.Now().Add(-2 * time.Minute)}
	fresh := &Connection{ID: "fresh", User: "u2", Conn: freshServer, Fd: -2,
		LastPing: time.Now()}
	s.conns.Add(stale)
	s.conns.Add(fresh)

	sweepConnections(s, config)

	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 1 || evicted[0] != "stale" {
		t.Fatalf("expected only the stale connection evicted, got %v", evicted)
	}
	if s.conns.Get("fresh") == nil {
		t.Error("expected the fresh connection to survive the sweep")
	}
	if s.conns.Get("stale") != nil {
		t.Error("expected the stale connection to be removed")
	}
}
