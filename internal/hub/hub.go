// Package hub is the single logical owner of all live-messaging state: the
// user connection registry, the presence coordinator's partner-set cache,
// and the typing coordinator's timer map. Every mutating operation arrives
// as an event on one channel and is processed by one goroutine, so none of
// that state needs a lock. Persistence calls (message insert, partner-set
// lookup) are the only blocking points inside the loop.
package hub

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/kindred/chat-app/internal/conversation"
	"github.com/kindred/chat-app/internal/message"
	"github.com/kindred/chat-app/internal/metrics"
	"github.com/kindred/chat-app/internal/presence"
	"github.com/kindred/chat-app/internal/protocol"
	"github.com/kindred/chat-app/internal/ratelimit"
	"github.com/kindred/chat-app/internal/registry"
	"github.com/kindred/chat-app/internal/typing"
)

// storeTimeout bounds each persistence call made from the event loop.
const storeTimeout = 3 * time.Second

func contextWithStoreTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

// ConversationSource resolves conversation participants. Implemented by
// *conversation.Store.
type ConversationSource interface {
	Partner(ctx context.Context, conversationID, userID string) (string, error)
	ActivePartners(ctx context.Context, userID string) ([]string, error)
}

// MessageStore persists chat messages. Implemented by *message.Store.
type MessageStore interface {
	Persist(ctx context.Context, conversationID, senderID, content, quotedProfileText string) (*message.Message, error)
}

// Broker is the optional cross-instance fan-out layer. Implemented by
// *messaging.Client; nil disables it (single-process deployment).
type Broker interface {
	PublishUser(userID string, data []byte) error
	SubscribeUser(userID string, handler func(data []byte)) error
	UnsubscribeUser(userID string) error
	PublishModerationCheck(data []byte) error
}

// Sessions records instance-level connection state: the online flag at
// register time and the last-seen timestamp at disconnect. Implemented by
// *session.Store; nil disables session tracking.
type Sessions interface {
	SetOnline(ctx context.Context, userID string) error
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
	presence.LastSeenRecorder
}

// Limiter throttles message submission. Implemented by *ratelimit.Limiter;
// nil disables rate limiting.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Config holds hub tuning parameters.
type Config struct {
	TypingTimeout time.Duration // silence before a typing stop is synthesized
	EventBuffer   int           // capacity of the event channel
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TypingTimeout: typing.DefaultTimeout,
		EventBuffer:   4096,
	}
}

type eventKind int

const (
	evRegister eventKind = iota
	evUnregister
	evFrame
	evTypingExpired
	evRemote
)

type event struct {
	kind           eventKind
	conn           registry.Conn
	frameType      string
	payload        interface{}
	userID         string
	conversationID string
	gen            uint64
	data           []byte
	receivedAt     time.Time
}

// Hub owns the registry and coordinators and processes all events serially.
type Hub struct {
	events chan event
	done   chan struct{}

	reg      *registry.Registry
	presence *presence.Coordinator
	typing   *typing.Coordinator

	conversations ConversationSource
	messages      MessageStore
	sessions      Sessions
	broker        Broker
	limiter       Limiter
}

// New creates a Hub. sessions may be nil (no session tracking); broker and
// limiter may be nil to disable cross-instance fan-out and rate limiting.
func New(cfg Config, conversations ConversationSource, messages MessageStore, sessions Sessions, broker Broker, limiter Limiter) *Hub {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}

	h := &Hub{
		events:        make(chan event, cfg.EventBuffer),
		done:          make(chan struct{}),
		reg:           registry.New(),
		conversations: conversations,
		messages:      messages,
		sessions:      sessions,
		broker:        broker,
		limiter:       limiter,
	}
	h.presence = presence.New(conversations, senderFunc(h.Deliver), sessions)
	h.typing = typing.New(cfg.TypingTimeout, func(conversationID, userID string, gen uint64) {
		h.enqueue(event{kind: evTypingExpired, conversationID: conversationID, userID: userID, gen: gen})
	})
	return h
}

// senderFunc adapts a function to the presence.Sender interface.
type senderFunc func(userID string, frame []byte) bool

func (f senderFunc) Send(userID string, frame []byte) bool { return f(userID, frame) }

// Run processes events until ctx is canceled. It must be the only goroutine
// ever touching the registry and coordinators.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.events:
			h.process(ev)
		}
	}
}

// enqueue submits an event unless the hub has stopped.
func (h *Hub) enqueue(ev event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

// Register hands a freshly authenticated connection to the hub.
func (h *Hub) Register(conn registry.Conn) {
	h.enqueue(event{kind: evRegister, conn: conn})
}

// Unregister reports a closed connection. The hub ignores it if the
// connection was already superseded by a newer one for the same user.
func (h *Hub) Unregister(conn registry.Conn) {
	h.enqueue(event{kind: evUnregister, conn: conn, receivedAt: time.Now()})
}

// Submit hands a parsed client frame to the hub. Called from read workers
// via the dispatcher.
func (h *Hub) Submit(conn registry.Conn, frameType string, payload interface{}) {
	h.enqueue(event{kind: evFrame, conn: conn, frameType: frameType, payload: payload, receivedAt: time.Now()})
}

func (h *Hub) process(ev event) {
	switch ev.kind {
	case evRegister:
		h.handleRegister(ev.conn)
	case evUnregister:
		h.handleUnregister(ev.conn, ev.receivedAt)
	case evFrame:
		h.handleFrame(ev)
	case evTypingExpired:
		h.handleTypingExpired(ev.conversationID, ev.userID, ev.gen)
	case evRemote:
		// Frame forwarded by another instance; deliver locally only.
		h.reg.Send(ev.userID, ev.data)
	}
}

// Deliver sends an encoded frame to a user: locally when connected here,
// otherwise published to the user's broker subject for whichever instance
// holds them. Returns true only for confirmed local delivery; a miss is
// best-effort by contract and never an error.
func (h *Hub) Deliver(userID string, frame []byte) bool {
	if h.reg.Send(userID, frame) {
		return true
	}
	if h.broker != nil {
		if err := h.broker.PublishUser(userID, frame); err != nil {
			log.Printf("hub: broker publish user=%s: %v", userID, err)
		}
	}
	return false
}

// sendError writes an error frame to the acting connection. The connection
// stays open.
func (h *Hub) sendError(conn registry.Conn, code, msg string) {
	frame, err := protocol.NewFrame(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		log.Printf("hub: build error frame: %v", err)
		return
	}
	if err := conn.WriteFrame(frame); err != nil {
		log.Printf("hub: send error frame user=%s: %v", conn.UserID(), err)
	}
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

func (h *Hub) handleRegister(conn registry.Conn) {
	userID := conn.UserID()

	superseded := h.reg.Register(conn)
	metrics.ConnectionsTotal.Set(float64(h.reg.Len()))

	// Acknowledge registration before any fan-out.
	if frame, err := protocol.NewFrame(protocol.TypeConnected, protocol.ConnectedPayload{}); err == nil {
		if err := conn.WriteFrame(frame); err != nil {
			log.Printf("hub: send connected user=%s: %v", userID, err)
		}
	}

	if superseded != nil {
		// Duplicate login: the user never went offline, so there is no
		// presence transition and the cached partner set stays valid. The
		// old socket is closed only after the new entry is in place; its
		// close callback fails the registry identity check.
		_ = superseded.Close()
		log.Printf("hub: superseded connection user=%s", userID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if h.sessions != nil {
		if err := h.sessions.SetOnline(ctx, userID); err != nil {
			log.Printf("hub: session online user=%s: %v", userID, err)
		}
	}

	if err := h.presence.HandleOnline(ctx, userID); err != nil {
		log.Printf("hub: presence online user=%s: %v", userID, err)
	}
	metrics.PresenceUpdatesTotal.WithLabelValues("online").Inc()

	if h.broker != nil {
		if err := h.broker.SubscribeUser(userID, func(data []byte) {
			h.enqueue(event{kind: evRemote, userID: userID, data: data})
		}); err != nil {
			log.Printf("hub: broker subscribe user=%s: %v", userID, err)
		}
	}
}

func (h *Hub) handleUnregister(conn registry.Conn, at time.Time) {
	userID := conn.UserID()

	if !h.reg.Unregister(userID, conn) {
		// A superseded socket closing, or a double unregister. Not a real
		// user-level disconnect; no offline fan-out.
		return
	}
	metrics.ConnectionsTotal.Set(float64(h.reg.Len()))

	canceled := h.typing.CancelUser(userID)
	if canceled > 0 {
		metrics.TypingActive.Set(float64(h.typing.Active()))
	}

	if h.broker != nil {
		if err := h.broker.UnsubscribeUser(userID); err != nil {
			log.Printf("hub: broker unsubscribe user=%s: %v", userID, err)
		}
	}

	if at.IsZero() {
		at = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	// Instances disagree on wall clocks; the recorded last-seen must never
	// move backwards.
	if h.sessions != nil {
		if prev, ok, err := h.sessions.LastSeen(ctx, userID); err == nil && ok && prev.After(at) {
			at = prev
		}
	}

	if err := h.presence.HandleOffline(ctx, userID, at.UTC()); err != nil {
		log.Printf("hub: presence offline user=%s: %v", userID, err)
	}
	metrics.PresenceUpdatesTotal.WithLabelValues("offline").Inc()
}

// ---------------------------------------------------------------------------
// Frame handling
// ---------------------------------------------------------------------------

func (h *Hub) handleFrame(ev event) {
	switch ev.frameType {
	case protocol.TypeSendMessage:
		p, ok := ev.payload.(protocol.SendMessagePayload)
		if !ok {
			return
		}
		h.handleSendMessage(ev.conn, p, ev.receivedAt)
	case protocol.TypeTyping:
		p, ok := ev.payload.(protocol.TypingPayload)
		if !ok {
			return
		}
		h.handleTyping(ev.conn, p)
	default:
		log.Printf("hub: unhandled frame type=%q user=%s", ev.frameType, ev.conn.UserID())
	}
}

// resolvePartner authorizes the acting user for the conversation and returns
// the counterpart. On any authorization failure it reports
// CONVERSATION_NOT_FOUND to the actor and returns false.
func (h *Hub) resolvePartner(conn registry.Conn, conversationID string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	partner, err := h.conversations.Partner(ctx, conversationID, conn.UserID())
	if errors.Is(err, conversation.ErrNotFound) {
		h.sendError(conn, protocol.CodeConversationNotFound, "conversation not found")
		return "", false
	}
	if err != nil {
		log.Printf("hub: partner lookup conversation=%s user=%s: %v", conversationID, conn.UserID(), err)
		h.sendError(conn, protocol.CodeInternal, "temporary failure, try again")
		return "", false
	}
	return partner, true
}
