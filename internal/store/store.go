// Package store provides chat persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mindfulme/mindfulme/internal/domain"
)

// ErrNotOwner is returned when writing to a conversation owned by another user.
var ErrNotOwner = errors.New("conversation owned by another user")

// Repository defines the interface for persisting conversations and their messages.
type Repository interface {
	// GetConversation retrieves a conversation by id. Returns nil, nil when absent.
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)

	// CreateConversation inserts a conversation and, if non-nil, its opening message.
	CreateConversation(ctx context.Context, conv *domain.Conversation, first *domain.ChatMessage) error

	// SaveExchange stores a user message and the bot reply atomically, creating
	// the conversation record if needed and advancing its last_message_at.
	SaveExchange(ctx context.Context, conv *domain.Conversation, userMsg, botMsg *domain.ChatMessage) error

	// ListMessages returns a user's messages in a conversation, oldest first.
	ListMessages(ctx context.Context, userID, conversationID string) ([]*domain.ChatMessage, error)

	// ListConversations returns a user's conversations, most recently active first.
	ListConversations(ctx context.Context, userID string) ([]*domain.ConversationSummary, error)

	// DeleteConversation removes a user's conversation and its messages.
	// Returns the number of messages deleted.
	DeleteConversation(ctx context.Context, userID, conversationID string) (int64, error)

	// ListIdleConversations returns conversations of any user whose last
	// message is older than before.
	ListIdleConversations(ctx context.Context, before time.Time) ([]*domain.Conversation, error)

	// Ping verifies storage connectivity.
	Ping(ctx context.Context) error

	// Close releases storage resources.
	Close() error
}
