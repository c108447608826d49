// Package domain contains core domain types for the MindfulMe service.
package domain

import (
	"time"
)

// Conversation records who owns a chat conversation.
type Conversation struct {
	ID            string    `json:"conversation_id"`
	UserID        string    `json:"user_id"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// OwnedBy returns true if the conversation belongs to userID.
func (c *Conversation) OwnedBy(userID string) bool {
	return c != nil && c.UserID == userID
}

// ConversationSummary is a listing row for a user's conversations.
type ConversationSummary struct {
	ID            string    `json:"conversation_id"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
	MessageCount  int       `json:"message_count"`
}

// ChatMessage is a single persisted chat message, authored by the user or the bot.
type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Text           string    `json:"message"`
	IsUserMessage  bool      `json:"is_user_message"`
	Intent         string    `json:"intent,omitempty"`
	MatchedPattern string    `json:"matched_pattern,omitempty"`
	Confidence     int       `json:"confidence"`
	CreatedAt      time.Time `json:"created_at"`
}
