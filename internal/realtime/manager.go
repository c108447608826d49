// Package realtime provides the WebSocket chat transport.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const notifyTimeout = 5 * time.Second

// Conn is the subset of *websocket.Conn the session manager needs.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// SessionManager tracks open chat sockets per user.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]map[string]Conn
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		active: make(map[string]map[string]Conn),
	}
}

// Register adds a connection for userID and returns its session id.
func (m *SessionManager) Register(userID string, conn Conn) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]Conn)
	}
	sessionID := uuid.NewString()
	m.active[userID][sessionID] = conn
	slog.Info("Chat socket registered", "user_id", userID, "session_id", sessionID)
	return sessionID
}

// Unregister removes a connection.
func (m *SessionManager) Unregister(userID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[userID]; ok {
		if _, exists := sessions[sessionID]; exists {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(m.active, userID)
			}
			slog.Info("Chat socket unregistered", "user_id", userID, "session_id", sessionID)
		}
	}
}

// Count returns the number of open sockets for userID.
func (m *SessionManager) Count(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[userID])
}

// Broadcast writes v as a JSON text frame to every socket of userID.
func (m *SessionManager) Broadcast(userID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal realtime frame", "error", err)
		return
	}

	m.mu.RLock()
	conns := make([]Conn, 0, len(m.active[userID]))
	for _, c := range m.active[userID] {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		if err := c.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Debug("Failed to push realtime frame", "user_id", userID, "error", err)
		}
		cancel()
	}
}

// NotifyCleared tells the user's sockets that a conversation was cleared.
func (m *SessionManager) NotifyCleared(userID, conversationID string) {
	m.Broadcast(userID, frame{Type: frameCleared, ConversationID: conversationID})
}

// CloseAll closes every open socket, used during shutdown.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for userID, sessions := range m.active {
		for _, conn := range sessions {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(m.active, userID)
	}
}
