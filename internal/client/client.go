// Package client implements the connection manager used by chat frontends:
// it owns the WebSocket lifecycle (connect, heartbeat, reconnect with
// exponential backoff, deliberate disconnect), tracks optimistically sent
// messages until the server acknowledges them, and fans inbound frames out to
// registered handlers.
package client

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/kindred/chat-app/internal/protocol"
)

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Reconnect tuning. Delays follow min(base * 2^n, max) for the n-th
// consecutive failure, and after maxReconnectAttempts the client gives up
// silently; the UI is expected to poll IsConnected.
const (
	defaultBaseBackoff   = 1 * time.Second
	defaultMaxBackoff    = 30 * time.Second
	maxReconnectAttempts = 5

	// pingInterval matches the server's expected keep-alive cadence.
	pingInterval = 25 * time.Second
)

// DialFunc opens the underlying transport. The default dials a WebSocket via
// gobwas/ws; tests substitute a pipe.
type DialFunc func(ctx context.Context, url string) (net.Conn, error)

// Config holds client construction parameters. URL is the server's ws
// endpoint without the token; Token is appended as a query parameter on every
// (re)connect so a refreshed token takes effect on the next attempt.
type Config struct {
	URL   string
	Token string

	// Optional overrides, zero values select the defaults above.
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	PingInterval time.Duration
	Dial         DialFunc
}

// PendingMessage is a message submitted but not yet acknowledged. Failed is
// set when the connection drops before the acknowledgment arrives; the entry
// then stays visible until the user resubmits or discards it.
type PendingMessage struct {
	TempID            string
	ConversationID    string
	Content           string
	QuotedProfileText string
	SubmittedAt       time.Time
	Failed            bool
}

// Client manages one user's connection to the chat server.
type Client struct {
	cfg  Config
	dial DialFunc

	mu        sync.Mutex
	state     State
	conn      net.Conn
	connDone  chan struct{} // closed when the current conn's read loop exits
	attempts  int
	reconnect *time.Timer
	closing   bool // deliberate disconnect in progress
	pending   map[string]*PendingMessage

	handlerSeq       int
	onMessageNew     map[int]func(protocol.MessageNewPayload)
	onMessageSent    map[int]func(protocol.MessageSentPayload)
	onTypingUpdate   map[int]func(protocol.TypingUpdatePayload)
	onPresenceUpdate map[int]func(protocol.PresenceUpdatePayload)
}

// New creates a disconnected client. Call Connect to open the transport.
func New(cfg Config) *Client {
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = pingInterval
	}
	dial := cfg.Dial
	if dial == nil {
		dial = func(ctx context.Context, u string) (net.Conn, error) {
			conn, _, _, err := ws.Dial(ctx, u)
			return conn, err
		}
	}
	return &Client{
		cfg:              cfg,
		dial:             dial,
		pending:          make(map[string]*PendingMessage),
		onMessageNew:     make(map[int]func(protocol.MessageNewPayload)),
		onMessageSent:    make(map[int]func(protocol.MessageSentPayload)),
		onTypingUpdate:   make(map[int]func(protocol.TypingUpdatePayload)),
		onPresenceUpdate: make(map[int]func(protocol.PresenceUpdatePayload)),
	}
}

// Connect opens the transport with the current token appended. It is a no-op
// when a connection attempt is already underway or established. A successful
// open resets the reconnect counter and starts the heartbeat.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = Connecting
	c.closing = false
	c.mu.Unlock()

	conn, err := c.dial(ctx, c.endpoint())
	if err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		return fmt.Errorf("client: dial: %w", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	if c.closing {
		// Disconnect raced the dial; the caller's teardown wins.
		c.state = Disconnected
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.connDone = done
	c.state = Connected
	c.attempts = 0
	c.mu.Unlock()

	go c.readLoop(conn, done)
	go c.pingLoop(conn, done)
	return nil
}

// Disconnect tears the connection down deliberately: it cancels any pending
// reconnect timer and closes the transport without scheduling another
// attempt. Safe to call in any state.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closing = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = Disconnected
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the transport is currently established.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// endpoint appends the auth token to the configured URL.
func (c *Client) endpoint() string {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return c.cfg.URL
	}
	q := u.Query()
	q.Set("token", c.cfg.Token)
	u.RawQuery = q.Encode()
	return u.String()
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// SendMessage submits a chat message. It generates the tempId, records a
// PendingMessage that will be resolved by the matching message_sent frame,
// and returns the tempId so the UI can render the optimistic entry.
func (c *Client) SendMessage(conversationID, content, quotedProfileText string) (string, error) {
	tempID := uuid.New().String()
	frame, err := protocol.NewFrame(protocol.TypeSendMessage, protocol.SendMessagePayload{
		ConversationID:    conversationID,
		Content:           content,
		QuotedProfileText: quotedProfileText,
		TempID:            tempID,
	})
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.pending[tempID] = &PendingMessage{
		TempID:            tempID,
		ConversationID:    conversationID,
		Content:           content,
		QuotedProfileText: quotedProfileText,
		SubmittedAt:       time.Now(),
	}
	c.mu.Unlock()

	if err := c.write(frame); err != nil {
		c.mu.Lock()
		if p, ok := c.pending[tempID]; ok {
			p.Failed = true
		}
		c.mu.Unlock()
		return tempID, err
	}
	return tempID, nil
}

// SetTyping signals the start or end of typing in a conversation.
func (c *Client) SetTyping(conversationID string, isTyping bool) error {
	frame, err := protocol.NewFrame(protocol.TypeTyping, protocol.TypingPayload{
		ConversationID: conversationID,
		IsTyping:       isTyping,
	})
	if err != nil {
		return err
	}
	return c.write(frame)
}

// Pending returns a snapshot of unacknowledged messages, failed ones
// included. Resubmission is a user action: the client never retries on its
// own.
func (c *Client) Pending() []PendingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingMessage, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, *p)
	}
	return out
}

// Discard drops a pending entry, typically after the user dismisses a failed
// message.
func (c *Client) Discard(tempID string) {
	c.mu.Lock()
	delete(c.pending, tempID)
	c.mu.Unlock()
}

func (c *Client) write(frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("client: not connected")
	}
	return wsutil.WriteClientMessage(conn, ws.OpText, frame)
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// OnMessageNew registers a handler for inbound messages from conversation
// counterparts. Every registered handler is invoked for every matching frame;
// the returned function removes this one registration.
func (c *Client) OnMessageNew(h func(protocol.MessageNewPayload)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlerSeq++
	id := c.handlerSeq
	c.onMessageNew[id] = h
	return func() {
		c.mu.Lock()
		delete(c.onMessageNew, id)
		c.mu.Unlock()
	}
}

// OnMessageSent registers a handler for acknowledgments of this client's own
// messages.
func (c *Client) OnMessageSent(h func(protocol.MessageSentPayload)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlerSeq++
	id := c.handlerSeq
	c.onMessageSent[id] = h
	return func() {
		c.mu.Lock()
		delete(c.onMessageSent, id)
		c.mu.Unlock()
	}
}

// OnTypingUpdate registers a handler for counterpart typing indicators.
func (c *Client) OnTypingUpdate(h func(protocol.TypingUpdatePayload)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlerSeq++
	id := c.handlerSeq
	c.onTypingUpdate[id] = h
	return func() {
		c.mu.Lock()
		delete(c.onTypingUpdate, id)
		c.mu.Unlock()
	}
}

// OnPresenceUpdate registers a handler for partner online/offline changes.
func (c *Client) OnPresenceUpdate(h func(protocol.PresenceUpdatePayload)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlerSeq++
	id := c.handlerSeq
	c.onPresenceUpdate[id] = h
	return func() {
		c.mu.Lock()
		delete(c.onPresenceUpdate, id)
		c.mu.Unlock()
	}
}

// ---------------------------------------------------------------------------
// Read loop and dispatch
// ---------------------------------------------------------------------------

// readLoop reads server frames until the connection fails, then triggers the
// lost-connection path. Handlers run on this goroutine and must not block.
func (c *Client) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			c.handleConnLost(conn)
			return
		}

		frameType, payload, err := protocol.ParseServerFrame(data)
		if err != nil {
			log.Printf("client: drop unparseable frame: %v", err)
			continue
		}
		c.dispatch(frameType, payload)
	}
}

func (c *Client) dispatch(frameType string, payload interface{}) {
	switch frameType {
	case protocol.TypeMessageSent:
		p, ok := payload.(protocol.MessageSentPayload)
		if !ok {
			return
		}
		c.mu.Lock()
		delete(c.pending, p.TempID)
		handlers := snapshot(c.onMessageSent)
		c.mu.Unlock()
		for _, h := range handlers {
			h(p)
		}
	case protocol.TypeMessageNew:
		p, ok := payload.(protocol.MessageNewPayload)
		if !ok {
			return
		}
		for _, h := range c.snapshotMessageNew() {
			h(p)
		}
	case protocol.TypeTypingUpdate:
		p, ok := payload.(protocol.TypingUpdatePayload)
		if !ok {
			return
		}
		c.mu.Lock()
		handlers := snapshot(c.onTypingUpdate)
		c.mu.Unlock()
		for _, h := range handlers {
			h(p)
		}
	case protocol.TypePresenceUpdate:
		p, ok := payload.(protocol.PresenceUpdatePayload)
		if !ok {
			return
		}
		c.mu.Lock()
		handlers := snapshot(c.onPresenceUpdate)
		c.mu.Unlock()
		for _, h := range handlers {
			h(p)
		}
	case protocol.TypeConnected, protocol.TypePong:
		// Lifecycle frames, nothing to dispatch.
	case protocol.TypeError:
		if p, ok := payload.(protocol.ErrorPayload); ok {
			log.Printf("client: server error code=%s message=%q", p.Code, p.Message)
		}
	}
}

func (c *Client) snapshotMessageNew() []func(protocol.MessageNewPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return snapshot(c.onMessageNew)
}

func snapshot[T any](m map[int]func(T)) []func(T) {
	out := make([]func(T), 0, len(m))
	for _, h := range m {
		out = append(out, h)
	}
	return out
}

// ---------------------------------------------------------------------------
// Heartbeat
// ---------------------------------------------------------------------------

// pingLoop sends a protocol-level ping at the keep-alive cadence until the
// connection's read loop exits.
func (c *Client) pingLoop(conn net.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			frame, err := protocol.NewFrame(protocol.TypePing, protocol.PingPayload{})
			if err != nil {
				continue
			}
			if err := wsutil.WriteClientMessage(conn, ws.OpText, frame); err != nil {
				return
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Reconnect
// ---------------------------------------------------------------------------

// handleConnLost runs when the read loop exits. A deliberate Disconnect was
// already handled; anything else marks in-flight messages failed and
// schedules a reconnect, unless the attempt cap is reached.
func (c *Client) handleConnLost(conn net.Conn) {
	_ = conn.Close()

	c.mu.Lock()
	if c.conn != conn {
		// Stale loop from an earlier connection; the current one is fine.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = Disconnected

	// The acknowledgment will never arrive on this connection; resubmission
	// is up to the user.
	for _, p := range c.pending {
		p.Failed = true
	}

	if c.closing {
		c.mu.Unlock()
		return
	}
	c.scheduleReconnectLocked()
	c.mu.Unlock()
}

// scheduleReconnectLocked arms the backoff timer. Caller holds c.mu.
func (c *Client) scheduleReconnectLocked() {
	if c.attempts >= maxReconnectAttempts {
		// Give up silently; the UI observes IsConnected() == false.
		return
	}
	delay := backoffDelay(c.cfg.BaseBackoff, c.cfg.MaxBackoff, c.attempts)
	c.attempts++
	attempt := c.attempts

	c.reconnect = time.AfterFunc(delay, func() {
		err := c.Connect(context.Background())
		if err == nil {
			return
		}
		log.Printf("client: reconnect attempt=%d: %v", attempt, err)
		c.mu.Lock()
		if !c.closing {
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
	})
}

// backoffDelay returns min(base * 2^attempt, max).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if d > max || d <= 0 {
		return max
	}
	return d
}
