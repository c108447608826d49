package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mindfulme/mindfulme/internal/chat"
	"github.com/mindfulme/mindfulme/internal/domain"
	"github.com/mindfulme/mindfulme/internal/identity"
)

// Notifier pushes events to a user's realtime connections.
type Notifier interface {
	NotifyCleared(userID, conversationID string)
}

// ChatHandler handles chatbot endpoints.
type ChatHandler struct {
	svc      *chat.Service
	limiter  *RateLimiter
	notifier Notifier
	maxBody  int64
}

// NewChatHandler creates a chat handler. limiter and notifier may be nil.
func NewChatHandler(svc *chat.Service, limiter *RateLimiter, notifier Notifier, maxBody int64) *ChatHandler {
	return &ChatHandler{svc: svc, limiter: limiter, notifier: notifier, maxBody: maxBody}
}

type sendRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}

type historyResponse struct {
	ConversationID string                `json:"conversation_id"`
	Messages       []*domain.ChatMessage `json:"messages"`
}

type clearResponse struct {
	ConversationID  string `json:"conversation_id"`
	MessagesDeleted int64  `json:"messages_deleted"`
}

// RegisterRoutes registers chatbot routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/chatbot", func(r chi.Router) {
		r.Post("/conversation", h.Start)
		r.Post("/message", h.SendMessage)
		r.Get("/conversation/{id}", h.History)
		r.Post("/conversation/{id}/clear", h.Clear)
		r.Get("/conversations", h.Conversations)
		r.Delete("/conversations", h.ClearAll)
		r.Post("/conversations/{id}/messages", h.SendMessage)
		r.Delete("/conversations/{id}", h.Clear)
	})
}

// Start opens a conversation and returns its greeting.
func (h *ChatHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	greeting, err := h.svc.Start(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err, "user_id", userID)
		return
	}
	JSON(w, http.StatusCreated, greeting)
}

// SendMessage runs one chat turn. The conversation id comes from the path
// when present, otherwise from the body.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if h.limiter != nil && !h.limiter.Allow(userID) {
		slog.Warn("Chat rate limit exceeded", "user_id", userID)
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req sendRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if id := chi.URLParam(r, "id"); id != "" {
		req.ConversationID = id
	}

	exchange, err := h.svc.SendMessage(r.Context(), chat.SendRequest{
		ConversationID: req.ConversationID,
		UserID:         userID,
		Text:           req.Message,
	})
	if err != nil {
		writeServiceError(w, err, "user_id", userID, "conversation_id", req.ConversationID)
		return
	}
	JSON(w, http.StatusOK, exchange)
}

// History returns a conversation's messages, oldest first.
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	conversationID := chi.URLParam(r, "id")

	messages, err := h.svc.History(r.Context(), userID, conversationID)
	if err != nil {
		writeServiceError(w, err, "user_id", userID, "conversation_id", conversationID)
		return
	}
	JSON(w, http.StatusOK, historyResponse{ConversationID: conversationID, Messages: messages})
}

// Conversations lists the caller's conversations.
func (h *ChatHandler) Conversations(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	list, err := h.svc.Conversations(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err, "user_id", userID)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"conversations": list})
}

// Clear deletes one conversation.
func (h *ChatHandler) Clear(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	conversationID := chi.URLParam(r, "id")

	deleted, err := h.svc.Clear(r.Context(), userID, conversationID)
	if err != nil {
		writeServiceError(w, err, "user_id", userID, "conversation_id", conversationID)
		return
	}
	if h.notifier != nil {
		h.notifier.NotifyCleared(userID, conversationID)
	}
	JSON(w, http.StatusOK, clearResponse{ConversationID: conversationID, MessagesDeleted: deleted})
}

// ClearAll deletes every conversation of the caller.
func (h *ChatHandler) ClearAll(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	ids, err := h.svc.ClearAll(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err, "user_id", userID)
		return
	}
	if h.notifier != nil {
		for _, id := range ids {
			h.notifier.NotifyCleared(userID, id)
		}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"conversations_cleared": len(ids)})
}
