package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mindfulme/mindfulme/internal/domain"
)

// MemoryStore implements Repository in process memory. Data is lost on restart.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*domain.Conversation
	messages      map[string][]*domain.ChatMessage
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*domain.Conversation),
		messages:      make(map[string][]*domain.ChatMessage),
	}
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// GetConversation retrieves a conversation by id.
func (m *MemoryStore) GetConversation(_ context.Context, conversationID string) (*domain.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, nil
	}
	cp := *conv
	return &cp, nil
}

// CreateConversation inserts a conversation and its optional opening message.
func (m *MemoryStore) CreateConversation(_ context.Context, conv *domain.Conversation, first *domain.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conv.ID]; exists {
		return fmt.Errorf("insert conversation: %s already exists", conv.ID)
	}
	cp := *conv
	m.conversations[conv.ID] = &cp
	if first != nil {
		msg := *first
		m.messages[conv.ID] = append(m.messages[conv.ID], &msg)
	}
	return nil
}

// SaveExchange stores both halves of an exchange under one lock.
func (m *MemoryStore) SaveExchange(_ context.Context, conv *domain.Conversation, userMsg, botMsg *domain.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.conversations[conv.ID]
	switch {
	case !ok:
		cp := *conv
		m.conversations[conv.ID] = &cp
	case existing.UserID != conv.UserID:
		return fmt.Errorf("save exchange for %s: %w", conv.ID, ErrNotOwner)
	default:
		existing.LastMessageAt = conv.LastMessageAt
	}

	u, b := *userMsg, *botMsg
	m.messages[conv.ID] = append(m.messages[conv.ID], &u, &b)
	return nil
}

// ListMessages returns a user's messages in a conversation, oldest first.
func (m *MemoryStore) ListMessages(_ context.Context, userID, conversationID string) ([]*domain.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*domain.ChatMessage{}
	for _, msg := range m.messages[conversationID] {
		if msg.UserID != userID {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ListConversations returns a user's conversations, most recently active first.
func (m *MemoryStore) ListConversations(_ context.Context, userID string) ([]*domain.ConversationSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*domain.ConversationSummary{}
	for id, conv := range m.conversations {
		if conv.UserID != userID {
			continue
		}
		out = append(out, &domain.ConversationSummary{
			ID:            id,
			CreatedAt:     conv.CreatedAt,
			LastMessageAt: conv.LastMessageAt,
			MessageCount:  len(m.messages[id]),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

// DeleteConversation removes a user's conversation and its messages.
func (m *MemoryStore) DeleteConversation(_ context.Context, userID, conversationID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok || conv.UserID != userID {
		return 0, nil
	}
	deleted := int64(len(m.messages[conversationID]))
	delete(m.conversations, conversationID)
	delete(m.messages, conversationID)
	return deleted, nil
}

// ListIdleConversations returns conversations whose last message is older than before.
func (m *MemoryStore) ListIdleConversations(_ context.Context, before time.Time) ([]*domain.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Conversation
	for _, conv := range m.conversations {
		if conv.LastMessageAt.Before(before) {
			c := *conv
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.Before(out[j].LastMessageAt)
	})
	return out, nil
}

var (
	_ Repository = (*MemoryStore)(nil)
	_ Repository = (*SQLiteStore)(nil)
)
