package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mindfulme/mindfulme/internal/agent"
	"github.com/mindfulme/mindfulme/internal/domain"
	"github.com/mindfulme/mindfulme/internal/kb"
	"github.com/mindfulme/mindfulme/internal/store"
)

// Operating modes.
const (
	ModeLocal    = "local"
	ModeDelegate = "delegate"
)

// NewConversationID asks SendMessage to allocate a fresh conversation.
const NewConversationID = "new"

// DelegateFallbackReply is sent when the delegate cannot produce a reply.
const DelegateFallbackReply = "I'm having trouble connecting right now. While I reconnect, try a slow breathing exercise: breathe in for 4 seconds, hold for 4, and breathe out for 4."

// greetingConfidence is reported for the opening message of a conversation.
const greetingConfidence = 100

// Default context store sizing when none is injected.
const (
	defaultContextCacheSize = 10000
	defaultContextTTL       = 24 * time.Hour
)

var conversationIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Options configures a Service. KnowledgeBase and Repository are required.
type Options struct {
	KnowledgeBase *kb.KnowledgeBase
	Repository    store.Repository
	Contexts      ContextStore
	// Delegate switches the service to delegate mode when non-nil.
	Delegate agent.Delegate
	Random   RandomSource
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

// Service is the conversation orchestrator.
type Service struct {
	kb       *kb.KnowledgeBase
	repo     store.Repository
	contexts ContextStore
	delegate agent.Delegate
	selector *Selector
	locks    *keyedMutex
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// Exchange is the result of one chat turn.
type Exchange struct {
	ConversationID string              `json:"conversation_id"`
	UserMessage    *domain.ChatMessage `json:"user_message"`
	BotMessage     *domain.ChatMessage `json:"bot_message"`
	Intent         string              `json:"intent"`
	Confidence     int                 `json:"confidence"`
	MatchedPattern string              `json:"matched_pattern,omitempty"`
}

// Greeting is the result of starting a conversation.
type Greeting struct {
	ConversationID string              `json:"conversation_id"`
	Message        *domain.ChatMessage `json:"message"`
}

// SendRequest is the input to SendMessage.
type SendRequest struct {
	ConversationID string
	UserID         string
	Text           string
}

// NewService creates a conversation orchestrator.
func NewService(opts Options) (*Service, error) {
	if opts.KnowledgeBase == nil {
		return nil, errors.New("knowledge base is required")
	}
	if opts.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if opts.Contexts == nil {
		opts.Contexts = NewMemoryContextStore(defaultContextCacheSize, defaultContextTTL)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	return &Service{
		kb:       opts.KnowledgeBase,
		repo:     opts.Repository,
		contexts: opts.Contexts,
		delegate: opts.Delegate,
		selector: NewSelector(opts.Random),
		locks:    newKeyedMutex(),
		logger:   opts.Logger,
		now:      opts.Now,
		newID:    opts.NewID,
	}, nil
}

// Mode returns ModeDelegate when a delegate is configured, ModeLocal otherwise.
func (s *Service) Mode() string {
	if s.delegate != nil {
		return ModeDelegate
	}
	return ModeLocal
}

// KnowledgeBase returns the loaded knowledge base.
func (s *Service) KnowledgeBase() *kb.KnowledgeBase {
	return s.kb
}

// Start allocates a conversation for userID and persists its greeting.
func (s *Service) Start(ctx context.Context, userID string) (*Greeting, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	conversationID := s.newID()
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	cc, err := s.contexts.GetOrCreate(ctx, conversationID)
	if err != nil {
		s.logger.Warn("Context store unavailable, starting with empty context",
			"conversation_id", conversationID, "error", err)
		cc = NewConversationContext()
	}

	intent, ok := s.kb.Intent(kb.GreetingTag)
	if !ok {
		intent = s.kb.Fallback()
	}
	reply := s.selector.Select(intent, cc, false)

	now := s.now()
	conv := &domain.Conversation{
		ID:            conversationID,
		UserID:        userID,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	msg := &domain.ChatMessage{
		ID:             s.newID(),
		ConversationID: conversationID,
		UserID:         userID,
		Text:           reply,
		Intent:         intent.Tag,
		Confidence:     greetingConfidence,
		CreatedAt:      now,
	}

	if err := s.repo.CreateConversation(ctx, conv, msg); err != nil {
		return nil, fmt.Errorf("%w: create conversation: %v", ErrPersistence, err)
	}

	s.logger.Info("Conversation started", "user_id", userID, "conversation_id", conversationID)
	return &Greeting{ConversationID: conversationID, Message: msg}, nil
}

// SendMessage runs one chat turn and persists both messages.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (*Exchange, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: message is required", ErrValidation)
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	conversationID := req.ConversationID
	if conversationID == NewConversationID {
		conversationID = s.newID()
	} else if err := validateConversationID(conversationID); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: load conversation: %v", ErrPersistence, err)
	}
	if conv != nil && !conv.OwnedBy(req.UserID) {
		return nil, ErrUnauthorized
	}

	userAt := s.now()
	if conv == nil {
		conv = &domain.Conversation{ID: conversationID, UserID: req.UserID, CreatedAt: userAt}
	}

	cc := s.turnContext(ctx, conversationID)

	tag, reply, confidence, pattern := s.respond(ctx, text, cc)

	botAt := s.now()
	if !botAt.After(userAt) {
		botAt = userAt.Add(time.Second)
	}
	conv.LastMessageAt = botAt

	exchange := &Exchange{
		ConversationID: conversationID,
		UserMessage: &domain.ChatMessage{
			ID:             s.newID(),
			ConversationID: conversationID,
			UserID:         req.UserID,
			Text:           text,
			IsUserMessage:  true,
			CreatedAt:      userAt,
		},
		BotMessage: &domain.ChatMessage{
			ID:             s.newID(),
			ConversationID: conversationID,
			UserID:         req.UserID,
			Text:           reply,
			Intent:         tag,
			MatchedPattern: pattern,
			Confidence:     confidence,
			CreatedAt:      botAt,
		},
		Intent:         tag,
		Confidence:     confidence,
		MatchedPattern: pattern,
	}

	if err := s.repo.SaveExchange(ctx, conv, exchange.UserMessage, exchange.BotMessage); err != nil {
		if errors.Is(err, store.ErrNotOwner) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("%w: save exchange: %v", ErrPersistence, err)
	}

	if tag != "" && tag != kb.FallbackTag {
		if err := s.contexts.RecordMatch(ctx, conversationID, tag); err != nil {
			s.logger.Warn("Failed to record intent match",
				"conversation_id", conversationID, "intent", tag, "error", err)
		}
	}

	s.logger.Debug("Chat turn complete",
		"user_id", req.UserID,
		"conversation_id", conversationID,
		"intent", tag,
		"score", confidence,
		"message_count", cc.MessageCount)

	return exchange, nil
}

// turnContext counts the incoming message and returns the context to score it
// with. Context store failures degrade to an empty context.
func (s *Service) turnContext(ctx context.Context, conversationID string) *ConversationContext {
	count, err := s.contexts.IncrementMessageCount(ctx, conversationID)
	if err != nil {
		s.logger.Warn("Failed to count message", "conversation_id", conversationID, "error", err)
	}

	cc, err := s.contexts.GetOrCreate(ctx, conversationID)
	if err != nil {
		s.logger.Warn("Context store unavailable, scoring without context",
			"conversation_id", conversationID, "error", err)
		cc = NewConversationContext()
		cc.MessageCount = count
	}
	return cc
}

func (s *Service) respond(ctx context.Context, text string, cc *ConversationContext) (tag, reply string, confidence int, pattern string) {
	if s.delegate == nil {
		top := Score(text, s.kb, cc)[0]
		return top.Intent.Tag, s.selector.Select(top.Intent, cc, false), top.Score, top.MatchedPattern
	}

	r, err := s.delegate.Chat(ctx, text)
	if err != nil {
		s.logger.Warn("Delegate failed, using fallback reply", "error", err)
		return kb.FallbackTag, DelegateFallbackReply, 0, ""
	}
	return r.Intent, Decorate(r.Intent, r.Response, cc, true), 0, ""
}

// History returns the messages of a conversation owned by userID, oldest first.
// An unknown conversation has an empty history.
func (s *Service) History(ctx context.Context, userID, conversationID string) ([]*domain.ChatMessage, error) {
	if err := validateConversationID(conversationID); err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	msgs, err := s.repo.ListMessages(ctx, userID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: list messages: %v", ErrPersistence, err)
	}
	return msgs, nil
}

// Conversations lists userID's conversations, most recently active first.
func (s *Service) Conversations(ctx context.Context, userID string) ([]*domain.ConversationSummary, error) {
	list, err := s.repo.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: list conversations: %v", ErrPersistence, err)
	}
	return list, nil
}

// Clear deletes a conversation's messages and its context. Returns the number
// of messages deleted. Clearing an unknown conversation is a no-op.
func (s *Service) Clear(ctx context.Context, userID, conversationID string) (int64, error) {
	if err := validateConversationID(conversationID); err != nil {
		return 0, err
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	conv, err := s.authorize(ctx, userID, conversationID)
	if err != nil {
		return 0, err
	}

	var deleted int64
	if conv != nil {
		deleted, err = s.repo.DeleteConversation(ctx, userID, conversationID)
		if err != nil {
			return 0, fmt.Errorf("%w: delete conversation: %v", ErrPersistence, err)
		}
	}

	s.forget(ctx, conversationID)
	s.logger.Info("Conversation cleared",
		"user_id", userID, "conversation_id", conversationID, "messages_deleted", deleted)
	return deleted, nil
}

// ClearAll deletes every conversation owned by userID. Returns the cleared ids.
// Each conversation is removed under its own lock, so a turn in flight
// finishes before its conversation is deleted.
func (s *Service) ClearAll(ctx context.Context, userID string) ([]string, error) {
	list, err := s.repo.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: list conversations: %v", ErrPersistence, err)
	}

	ids := make([]string, 0, len(list))
	for _, summary := range list {
		removed, err := s.removeIf(ctx, summary.ID, func(conv *domain.Conversation) bool {
			return conv.OwnedBy(userID)
		})
		if err != nil {
			return ids, err
		}
		if removed {
			ids = append(ids, summary.ID)
		}
	}
	s.logger.Info("All conversations cleared", "user_id", userID, "count", len(ids))
	return ids, nil
}

// PurgeIdle deletes conversations idle for longer than idleFor together with
// their contexts. Returns the number of conversations removed. A conversation
// that receives a message while the purge waits for it is kept.
func (s *Service) PurgeIdle(ctx context.Context, idleFor time.Duration) (int, error) {
	cutoff := s.now().Add(-idleFor)
	idle, err := s.repo.ListIdleConversations(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: list idle conversations: %v", ErrPersistence, err)
	}

	count := 0
	for _, candidate := range idle {
		removed, err := s.removeIf(ctx, candidate.ID, func(conv *domain.Conversation) bool {
			return conv.LastMessageAt.Before(cutoff)
		})
		if err != nil {
			return count, err
		}
		if removed {
			count++
		}
	}
	return count, nil
}

// removeIf deletes a conversation and its context under the conversation lock
// when it still exists and match accepts its current record.
func (s *Service) removeIf(ctx context.Context, conversationID string, match func(*domain.Conversation) bool) (bool, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return false, fmt.Errorf("%w: load conversation: %v", ErrPersistence, err)
	}
	if conv == nil || !match(conv) {
		return false, nil
	}
	if _, err := s.repo.DeleteConversation(ctx, conv.UserID, conversationID); err != nil {
		return false, fmt.Errorf("%w: delete conversation: %v", ErrPersistence, err)
	}
	s.forget(ctx, conversationID)
	return true, nil
}

// Ping checks the storage collaborator.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func (s *Service) authorize(ctx context.Context, userID, conversationID string) (*domain.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: load conversation: %v", ErrPersistence, err)
	}
	if conv != nil && !conv.OwnedBy(userID) {
		return nil, ErrUnauthorized
	}
	return conv, nil
}

func (s *Service) forget(ctx context.Context, conversationID string) {
	if err := s.contexts.Clear(ctx, conversationID); err != nil {
		s.logger.Warn("Failed to clear conversation context",
			"conversation_id", conversationID, "error", err)
	}
}

func validateConversationID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: conversation id is required", ErrValidation)
	}
	if !conversationIDPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid conversation id", ErrValidation)
	}
	return nil
}
