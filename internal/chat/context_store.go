package chat

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ConversationContext is the per-conversation memory used to bias scoring.
type ConversationContext struct {
	LastIntentTag   string
	MentionedTopics map[string]struct{}
	MessageCount    int
}

// NewConversationContext returns an empty context.
func NewConversationContext() *ConversationContext {
	return &ConversationContext{MentionedTopics: make(map[string]struct{})}
}

// Mentioned reports whether tag was matched earlier in the conversation.
func (c *ConversationContext) Mentioned(tag string) bool {
	if c == nil {
		return false
	}
	_, ok := c.MentionedTopics[tag]
	return ok
}

// Clone returns a deep copy.
func (c *ConversationContext) Clone() *ConversationContext {
	if c == nil {
		return NewConversationContext()
	}
	out := &ConversationContext{
		LastIntentTag:   c.LastIntentTag,
		MentionedTopics: maps.Clone(c.MentionedTopics),
		MessageCount:    c.MessageCount,
	}
	if out.MentionedTopics == nil {
		out.MentionedTopics = make(map[string]struct{})
	}
	return out
}

// ContextStore owns conversation contexts keyed by conversation id.
// Returned contexts are snapshots; mutate through the store.
type ContextStore interface {
	// GetOrCreate returns the context for id, creating an empty one if absent.
	GetOrCreate(ctx context.Context, conversationID string) (*ConversationContext, error)

	// RecordMatch sets the last intent and adds it to the mentioned topics.
	RecordMatch(ctx context.Context, conversationID, intentTag string) error

	// IncrementMessageCount bumps the message counter and returns the new value.
	IncrementMessageCount(ctx context.Context, conversationID string) (int, error)

	// Clear removes the context entirely.
	Clear(ctx context.Context, conversationID string) error
}

// Ensure implementations satisfy ContextStore.
var (
	_ ContextStore = (*MemoryContextStore)(nil)
	_ ContextStore = (*RedisContextStore)(nil)
)

type contextEntry struct {
	mu  sync.Mutex
	ctx *ConversationContext
}

// MemoryContextStore keeps contexts in a bounded LRU whose entries expire
// after ttl without activity.
type MemoryContextStore struct {
	createMu sync.Mutex
	cache    *expirable.LRU[string, *contextEntry]
}

// NewMemoryContextStore creates an in-process store holding at most size
// contexts, each evicted ttl after its last update.
func NewMemoryContextStore(size int, ttl time.Duration) *MemoryContextStore {
	if size <= 0 {
		size = 10000
	}
	return &MemoryContextStore{
		cache: expirable.NewLRU[string, *contextEntry](size, nil, ttl),
	}
}

func (s *MemoryContextStore) entry(id string) *contextEntry {
	if e, ok := s.cache.Get(id); ok {
		return e
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()
	if e, ok := s.cache.Get(id); ok {
		return e
	}
	e := &contextEntry{ctx: NewConversationContext()}
	s.cache.Add(id, e)
	return e
}

// GetOrCreate implements ContextStore.
func (s *MemoryContextStore) GetOrCreate(_ context.Context, conversationID string) (*ConversationContext, error) {
	e := s.entry(conversationID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx.Clone(), nil
}

// RecordMatch implements ContextStore.
func (s *MemoryContextStore) RecordMatch(_ context.Context, conversationID, intentTag string) error {
	e := s.entry(conversationID)
	e.mu.Lock()
	e.ctx.LastIntentTag = intentTag
	e.ctx.MentionedTopics[intentTag] = struct{}{}
	e.mu.Unlock()

	// Re-adding refreshes the entry's expiry.
	s.cache.Add(conversationID, e)
	return nil
}

// IncrementMessageCount implements ContextStore.
func (s *MemoryContextStore) IncrementMessageCount(_ context.Context, conversationID string) (int, error) {
	e := s.entry(conversationID)
	e.mu.Lock()
	e.ctx.MessageCount++
	n := e.ctx.MessageCount
	e.mu.Unlock()

	s.cache.Add(conversationID, e)
	return n, nil
}

// Clear implements ContextStore.
func (s *MemoryContextStore) Clear(_ context.Context, conversationID string) error {
	s.cache.Remove(conversationID)
	return nil
}

// Len returns the number of live contexts.
func (s *MemoryContextStore) Len() int {
	return s.cache.Len()
}
