package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stream-chat/services/chat-service/internal/domain"
	"stream-chat/services/chat-service/internal/infrastructure/persistence/model"

	"github.com/go-redis/redis/v8"
)

var ErrCacheMiss = errors.New("cache miss")

const DefaultTTL = 24 * time.Hour

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) (*RedisCache, error) {
	err := client.Ping(context.Background()).Err()
	if err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

func (r *RedisCache) SaveMessage(ctx context.Context, message *domain.Message) error {
	msgData, err := json.Marshal(model.ToMessageModel(message))
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.messageKey(message.ID), msgData, r.ttl).Err()
}

func (r *RedisCache) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	data, err := r.client.Get(ctx, r.messageKey(messageID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get message from cache: %w", err)
	}

	var msgModel model.MessageModel
	if err := json.Unmarshal([]byte(data), &msgModel); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return msgModel.ToDomain(), nil
}

func (r *RedisCache) DeleteMessage(ctx context.Context, messageID string) error {
	return r.client.Del(ctx, r.messageKey(messageID)).Err()
}

func (r *RedisCache) SaveConversation(ctx context.Context, conv *domain.Conversation) error {
	data, err := json.Marshal(model.ToConversationModel(conv))
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	return r.client.Set(ctx, r.conversationKey(conv.ID), data, r.ttl).Err()
}

func (r *RedisCache) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	data, err := r.client.Get(ctx, r.conversationKey(conversationID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation from cache: %w", err)
	}

	var convModel model.ConversationModel
	if err := json.Unmarshal([]byte(data), &convModel); err != nil {
		return nil, fmt.Errorf("unmarshal conversation: %w", err)
	}
	return convModel.ToDomain(), nil
}

func (r *RedisCache) DeleteConversation(ctx context.Context, conversationID string) error {
	return r.client.Del(ctx, r.conversationKey(conversationID)).Err()
}

func (r *RedisCache) messageKey(messageID string) string {
	return fmt.Sprintf("message:%s", messageID)
}

func (r *RedisCache) conversationKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s", conversationID)
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
