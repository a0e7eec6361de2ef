// Package history serves conversation backlogs over HTTP. This is the path
// an offline recipient catches up through after reconnecting: live fan-out is
// best-effort only, but every message is persisted, so a history fetch always
// converges both participants on the same ordered record.
package history

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kindred/chat-app/internal/message"
	"github.com/kindred/chat-app/internal/protocol"
	"github.com/kindred/chat-app/internal/ratelimit"
)

const (
	defaultLimit = 50
	maxLimit     = 200

	requestTimeout = 5 * time.Second
)

// TokenVerifier resolves an access token to a user id.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// ConversationSource checks conversation membership. Unlike the live layer,
// history is served for archived conversations too.
type ConversationSource interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// MessageSource reads and marks messages.
type MessageSource interface {
	History(ctx context.Context, conversationID string, limit int) ([]message.Message, error)
	MarkRead(ctx context.Context, conversationID, userID string) error
}

// RateLimiter throttles fetches per user. Implemented by *ratelimit.Limiter;
// nil disables throttling.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	Remaining(ctx context.Context, identifier string, rule ratelimit.Rule) (int, error)
}

// Handler serves GET /history?conversationId=<id>&limit=<n>.
type Handler struct {
	auth          TokenVerifier
	conversations ConversationSource
	messages      MessageSource
	limiter       RateLimiter
}

// NewHandler creates the history handler.
func NewHandler(auth TokenVerifier, conversations ConversationSource, messages MessageSource, limiter RateLimiter) *Handler {
	return &Handler{auth: auth, conversations: conversations, messages: messages, limiter: limiter}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, protocol.CodeInvalidMessage, "method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	userID, err := h.auth.Verify(ctx, bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or missing token")
		return
	}

	if h.limiter != nil {
		allowed, _ := h.limiter.Allow(ctx, userID, ratelimit.RuleHistory)
		if remaining, err := h.limiter.Remaining(ctx, userID, ratelimit.RuleHistory); err == nil {
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		}
		if !allowed {
			writeError(w, http.StatusTooManyRequests, protocol.CodeRateLimited, "too many history requests")
			return
		}
	}

	conversationID := r.URL.Query().Get("conversationId")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidMessage, "conversationId is required")
		return
	}

	ok, err := h.conversations.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		log.Printf("history: participant check conversation=%s user=%s: %v", conversationID, userID, err)
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "temporary failure, try again")
		return
	}
	if !ok {
		// Same shape as the live layer: membership is not probeable.
		writeError(w, http.StatusNotFound, protocol.CodeConversationNotFound, "conversation not found")
		return
	}

	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	msgs, err := h.messages.History(ctx, conversationID, limit)
	if err != nil {
		log.Printf("history: fetch conversation=%s user=%s: %v", conversationID, userID, err)
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "temporary failure, try again")
		return
	}

	// Fetching history is how the reader observes messages delivered while
	// they were offline; a failed mark leaves them unread for the next fetch.
	if err := h.messages.MarkRead(ctx, conversationID, userID); err != nil {
		log.Printf("history: mark read conversation=%s user=%s: %v", conversationID, userID, err)
	}

	wire := make([]protocol.Message, 0, len(msgs))
	for i := range msgs {
		wire = append(wire, msgs[i].Wire())
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		ConversationID string             `json:"conversationId"`
		Messages       []protocol.Message `json:"messages"`
	}{ConversationID: conversationID, Messages: wire})
}

// bearerToken extracts the access token from the Authorization header, with
// the token query parameter as a fallback for clients that cannot set
// headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.ErrorPayload{Code: code, Message: msg})
}
