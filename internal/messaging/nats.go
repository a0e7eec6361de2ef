// Package messaging provides a NATS client wrapper for cross-instance
// fan-out. "Send to user" becomes "publish to the user's subject": each
// server instance subscribes to user.<id> only while that user is connected
// locally, so a publish with no subscriber is a silent drop — exactly the
// best-effort delivery semantics of the live layer. It also carries the
// asynchronous moderation boundary.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns.
const (
	SubjectUser             = "user"              // + .<user_id>: encoded server frames
	SubjectModerationCheck  = "moderation.check"  // message content to score
	SubjectModerationResult = "moderation.result" // scored outcome
)

// ModerationCheck is published for every persisted message so the external
// moderation service can score it asynchronously.
type ModerationCheck struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
}

// ModerationResult is the moderation service's verdict for a message.
type ModerationResult struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"` // "approved" or "flagged"
	Reason    string `json:"reason,omitempty"`
}

// Client wraps the NATS connection with helper methods for pub/sub.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "kindred-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishUser publishes an encoded frame to user.<userID>. If the user is
// not connected to any instance, there is no subscriber and the frame is
// dropped, which is the intended best-effort behavior.
func (c *Client) PublishUser(userID string, data []byte) error {
	return c.conn.Publish(SubjectUser+"."+userID, data)
}

// SubscribeUser subscribes to user.<userID>, delivering raw frame bytes to
// the handler. Called when the user registers locally.
func (c *Client) SubscribeUser(userID string, handler func(data []byte)) error {
	subject := SubjectUser + "." + userID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeUser drops the user.<userID> subscription. Called when the user
// unregisters locally.
func (c *Client) UnsubscribeUser(userID string) error {
	return c.unsubscribe(SubjectUser + "." + userID)
}

// PublishModerationCheck publishes a moderation check request.
func (c *Client) PublishModerationCheck(data []byte) error {
	return c.conn.Publish(SubjectModerationCheck, data)
}

// SubscribeModerationResults subscribes to moderation verdicts.
func (c *Client) SubscribeModerationResults(handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(SubjectModerationResult, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectModerationResult, err)
	}

	c.mu.Lock()
	c.subs[SubjectModerationResult] = sub
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *Client) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
