package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix     = "mindfulme:ctx:"
	redisFieldLast     = "last_intent"
	redisFieldCount    = "message_count"
	redisTopicsSuffix  = ":topics"
	defaultRedisCtxTTL = 24 * time.Hour
)

// RedisContextStore keeps contexts in Redis so several service instances share
// conversation state. Each context is a hash plus a set of mentioned topics,
// both expiring ttl after the last update.
type RedisContextStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisContextStore wraps an existing client.
func NewRedisContextStore(rdb *redis.Client, ttl time.Duration) *RedisContextStore {
	if ttl <= 0 {
		ttl = defaultRedisCtxTTL
	}
	return &RedisContextStore{rdb: rdb, ttl: ttl}
}

func redisHashKey(id string) string   { return redisKeyPrefix + id }
func redisTopicsKey(id string) string { return redisKeyPrefix + id + redisTopicsSuffix }

// GetOrCreate implements ContextStore. Absent keys read as an empty context.
func (s *RedisContextStore) GetOrCreate(ctx context.Context, conversationID string) (*ConversationContext, error) {
	var (
		fields *redis.MapStringStringCmd
		topics *redis.StringSliceCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, redisHashKey(conversationID))
		topics = pipe.SMembers(ctx, redisTopicsKey(conversationID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read conversation context: %w", err)
	}

	cc := NewConversationContext()
	values := fields.Val()
	cc.LastIntentTag = values[redisFieldLast]
	if raw, ok := values[redisFieldCount]; ok {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return nil, fmt.Errorf("parse message count %q: %w", raw, convErr)
		}
		cc.MessageCount = n
	}
	for _, tag := range topics.Val() {
		cc.MentionedTopics[tag] = struct{}{}
	}
	return cc, nil
}

// RecordMatch implements ContextStore.
func (s *RedisContextStore) RecordMatch(ctx context.Context, conversationID, intentTag string) error {
	hashKey := redisHashKey(conversationID)
	topicsKey := redisTopicsKey(conversationID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hashKey, redisFieldLast, intentTag)
		pipe.SAdd(ctx, topicsKey, intentTag)
		pipe.Expire(ctx, hashKey, s.ttl)
		pipe.Expire(ctx, topicsKey, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record intent match: %w", err)
	}
	return nil
}

// IncrementMessageCount implements ContextStore.
func (s *RedisContextStore) IncrementMessageCount(ctx context.Context, conversationID string) (int, error) {
	hashKey := redisHashKey(conversationID)
	var incr *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, hashKey, redisFieldCount, 1)
		pipe.Expire(ctx, hashKey, s.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment message count: %w", err)
	}
	return int(incr.Val()), nil
}

// Clear implements ContextStore.
func (s *RedisContextStore) Clear(ctx context.Context, conversationID string) error {
	if err := s.rdb.Del(ctx, redisHashKey(conversationID), redisTopicsKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("clear conversation context: %w", err)
	}
	return nil
}
