package hub

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/kindred/chat-app/internal/message"
	"github.com/kindred/chat-app/internal/messaging"
	"github.com/kindred/chat-app/internal/metrics"
	"github.com/kindred/chat-app/internal/protocol"
	"github.com/kindred/chat-app/internal/ratelimit"
	"github.com/kindred/chat-app/internal/registry"
)

// handleSendMessage validates, persists, and fans out a chat message.
// Persisting before either fan-out, inside the single event loop, is what
// guarantees both participants observe one conversation's messages in
// persistence order.
func (h *Hub) handleSendMessage(conn registry.Conn, p protocol.SendMessagePayload, receivedAt time.Time) {
	userID := conn.UserID()

	if h.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		allowed, _ := h.limiter.Allow(ctx, userID, ratelimit.RuleMessage)
		cancel()
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			h.sendError(conn, protocol.CodeRateLimited, "message rate limit exceeded")
			return
		}
	}

	if err := message.ValidateContent(p.Content); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		h.sendError(conn, protocol.CodeInvalidMessage, err.Error())
		return
	}
	if err := message.ValidateQuotedProfileText(p.QuotedProfileText); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		h.sendError(conn, protocol.CodeInvalidMessage, err.Error())
		return
	}

	partner, ok := h.resolvePartner(conn, p.ConversationID)
	if !ok {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	msg, err := h.messages.Persist(ctx, p.ConversationID, userID, p.Content, p.QuotedProfileText)
	cancel()
	if err != nil {
		log.Printf("hub: persist message conversation=%s user=%s: %v", p.ConversationID, userID, err)
		h.sendError(conn, protocol.CodeInternal, "message could not be stored")
		return
	}

	wire := msg.Wire()

	// Acknowledge the sender first so it can resolve its pending entry; the
	// tempId round-trips here and nowhere else.
	ack, err := protocol.NewFrame(protocol.TypeMessageSent, protocol.MessageSentPayload{
		TempID:  p.TempID,
		Message: wire,
	})
	if err != nil {
		log.Printf("hub: build message_sent: %v", err)
		return
	}
	if err := conn.WriteFrame(ack); err != nil {
		log.Printf("hub: ack message=%s user=%s: %v", msg.ID, userID, err)
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	if !receivedAt.IsZero() {
		metrics.DispatchLatency.Observe(time.Since(receivedAt).Seconds())
	}

	// Separate frame type for the counterpart: the recipient appends, the
	// sender replaces its optimistic entry.
	fanout, err := protocol.NewFrame(protocol.TypeMessageNew, protocol.MessageNewPayload{
		ConversationID: p.ConversationID,
		Message:        wire,
	})
	if err != nil {
		log.Printf("hub: build message_new: %v", err)
		return
	}
	if h.Deliver(partner, fanout) {
		metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	} else if h.broker != nil {
		metrics.MessagesTotal.WithLabelValues("forwarded").Inc()
	} else {
		// Partner offline: silently dropped, retrievable via history.
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
	}

	h.publishModerationCheck(msg)
}

// publishModerationCheck hands the persisted message to the asynchronous
// moderation service. Delivery is fire-and-forget; the message stays
// "pending" until a verdict arrives.
func (h *Hub) publishModerationCheck(msg *message.Message) {
	if h.broker == nil {
		return
	}
	check, err := json.Marshal(messaging.ModerationCheck{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
	})
	if err != nil {
		log.Printf("hub: marshal moderation check message=%s: %v", msg.ID, err)
		return
	}
	if err := h.broker.PublishModerationCheck(check); err != nil {
		log.Printf("hub: publish moderation check message=%s: %v", msg.ID, err)
	}
}
