package hub

import (
	"log"

	"github.com/kindred/chat-app/internal/metrics"
	"github.com/kindred/chat-app/internal/protocol"
	"github.com/kindred/chat-app/internal/ratelimit"
	"github.com/kindred/chat-app/internal/registry"
)

// handleTyping updates the typing coordinator and relays the indicator to
// the conversation counterpart. The fan-out is unconditional best-effort: an
// offline counterpart just means a dropped frame.
func (h *Hub) handleTyping(conn registry.Conn, p protocol.TypingPayload) {
	userID := conn.UserID()

	if h.limiter != nil {
		ctx, cancel := contextWithStoreTimeout()
		allowed, _ := h.limiter.Allow(ctx, userID, ratelimit.RuleTyping)
		cancel()
		if !allowed {
			// Typing is lossy anyway; excess updates are just dropped.
			return
		}
	}

	partner, ok := h.resolvePartner(conn, p.ConversationID)
	if !ok {
		return
	}

	h.typing.Set(p.ConversationID, userID, p.IsTyping)
	metrics.TypingActive.Set(float64(h.typing.Active()))

	h.sendTypingUpdate(partner, p.ConversationID, userID, p.IsTyping)
}

// handleTypingExpired synthesizes a typing stop after the expiry timeout.
// The generation check in Expire discards fires that lost a race with a
// reset, an explicit stop, or disconnect cleanup, so the counterpart sees
// exactly one stop.
func (h *Hub) handleTypingExpired(conversationID, userID string, gen uint64) {
	if !h.typing.Expire(conversationID, userID, gen) {
		return
	}
	metrics.TypingActive.Set(float64(h.typing.Active()))

	// The actor was authorized when the indicator started; resolve the
	// counterpart directly without another error round-trip.
	partner, err := h.partnerQuiet(conversationID, userID)
	if err != nil {
		log.Printf("hub: typing expiry partner lookup conversation=%s user=%s: %v", conversationID, userID, err)
		return
	}
	h.sendTypingUpdate(partner, conversationID, userID, false)
}

func (h *Hub) sendTypingUpdate(partner, conversationID, userID string, isTyping bool) {
	frame, err := protocol.NewFrame(protocol.TypeTypingUpdate, protocol.TypingUpdatePayload{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	})
	if err != nil {
		log.Printf("hub: build typing_update: %v", err)
		return
	}
	h.Deliver(partner, frame)
}

// partnerQuiet resolves the counterpart without surfacing errors to any
// connection (used on the synthesized-stop path, where there is no actor to
// answer).
func (h *Hub) partnerQuiet(conversationID, userID string) (string, error) {
	ctx, cancel := contextWithStoreTimeout()
	defer cancel()
	return h.conversations.Partner(ctx, conversationID, userID)
}
