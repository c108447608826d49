package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/mindfulme/mindfulme/internal/chat"
	"github.com/mindfulme/mindfulme/internal/identity"
)

// Frame types.
const (
	frameMessage  = "message"
	frameStart    = "start"
	framePing     = "ping"
	framePong     = "pong"
	frameExchange = "exchange"
	frameStarted  = "started"
	frameCleared  = "cleared"
	frameError    = "error"
)

const maxFrameBytes = 64 * 1024

// Limiter bounds how often a user may send messages.
type Limiter interface {
	Allow(key string) bool
}

// frame is the envelope for every message in both directions.
type frame struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Content        string         `json:"content,omitempty"`
	Exchange       *chat.Exchange `json:"exchange,omitempty"`
	Greeting       *chat.Greeting `json:"greeting,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// WebSocketHandler serves chat over a WebSocket.
type WebSocketHandler struct {
	svc           *chat.Service
	sm            *SessionManager
	limiter       Limiter
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler. limiter may be nil.
func NewWebSocketHandler(svc *chat.Service, sm *SessionManager, limiter Limiter, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		svc:           svc,
		sm:            sm,
		limiter:       limiter,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	slog.Info("WebSocket connection request", "user_id", userID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(maxFrameBytes)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	sessionID := h.sm.Register(userID, ws)
	defer h.sm.Unregister(userID, sessionID)

	h.readLoop(r.Context(), ws, userID)
	slog.Info("Chat socket ended", "user_id", userID, "session_id", sessionID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, userID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else if !errors.Is(err, context.Canceled) {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var in frame
		if err := json.Unmarshal(message, &in); err != nil {
			h.write(ctx, ws, frame{Type: frameError, Error: "invalid frame"})
			continue
		}

		h.write(ctx, ws, h.dispatch(ctx, userID, in))
	}
}

func (h *WebSocketHandler) dispatch(ctx context.Context, userID string, in frame) frame {
	switch in.Type {
	case framePing:
		return frame{Type: framePong}
	case frameStart:
		greeting, err := h.svc.Start(ctx, userID)
		if err != nil {
			return errorFrame(err, in.ConversationID)
		}
		return frame{Type: frameStarted, ConversationID: greeting.ConversationID, Greeting: greeting}
	case frameMessage:
		if h.limiter != nil && !h.limiter.Allow(userID) {
			return frame{Type: frameError, ConversationID: in.ConversationID, Error: "rate limit exceeded"}
		}
		exchange, err := h.svc.SendMessage(ctx, chat.SendRequest{
			ConversationID: in.ConversationID,
			UserID:         userID,
			Text:           in.Content,
		})
		if err != nil {
			return errorFrame(err, in.ConversationID)
		}
		return frame{Type: frameExchange, ConversationID: exchange.ConversationID, Exchange: exchange}
	default:
		return frame{Type: frameError, Error: "unknown frame type"}
	}
}

func errorFrame(err error, conversationID string) frame {
	out := frame{Type: frameError, ConversationID: conversationID}
	switch {
	case errors.Is(err, chat.ErrValidation):
		out.Error = err.Error()
	case errors.Is(err, chat.ErrUnauthorized):
		out.Error = "forbidden"
	default:
		slog.Error("Chat request over WebSocket failed", "conversation_id", conversationID, "error", err)
		out.Error = "internal error"
	}
	return out
}

func (h *WebSocketHandler) write(ctx context.Context, ws *websocket.Conn, v frame) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal frame", "error", err)
		return
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("Failed to write frame", "error", err)
	}
}
