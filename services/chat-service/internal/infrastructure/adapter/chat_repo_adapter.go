package adapter

import (
	"context"

	"stream-chat/services/chat-service/internal/domain"

	"github.com/rs/zerolog"
)

// Cache is the hot-data side of the repository. A miss is reported as an error.
type Cache interface {
	SaveMessage(ctx context.Context, message *domain.Message) error
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	SaveConversation(ctx context.Context, conv *domain.Conversation) error
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

// ChatRepositoryAdapter puts a cache in front of a durable store. Writes go to
// the store first and are never acknowledged before it accepts them; cache
// failures only degrade reads.
type ChatRepositoryAdapter struct {
	store domain.ChatRepository
	cache Cache
	log   zerolog.Logger
}

func NewChatRepositoryAdapter(store domain.ChatRepository, cache Cache, log zerolog.Logger) *ChatRepositoryAdapter {
	return &ChatRepositoryAdapter{
		store: store,
		cache: cache,
		log:   log.With().Str("component", "repository").Logger(),
	}
}

func (adp *ChatRepositoryAdapter) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	if err := adp.store.CreateConversation(ctx, conv); err != nil {
		return err
	}
	if err := adp.cache.SaveConversation(ctx, conv); err != nil {
		adp.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("cache save conversation failed")
	}
	return nil
}

func (adp *ChatRepositoryAdapter) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	conv, err := adp.cache.GetConversation(ctx, conversationID)
	if err == nil && conv != nil {
		return conv, nil
	}

	conv, err = adp.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	// 回写缓存
	if err := adp.cache.SaveConversation(ctx, conv); err != nil {
		adp.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("cache write back conversation failed")
	}
	return conv, nil
}

func (adp *ChatRepositoryAdapter) ListConversations(ctx context.Context, userID string, limit, offset int) ([]*domain.Conversation, error) {
	return adp.store.ListConversations(ctx, userID, limit, offset)
}

func (adp *ChatRepositoryAdapter) CreateMessage(ctx context.Context, conversationID, userID string, role domain.Role, content string) (*domain.Message, error) {
	msg, err := adp.store.CreateMessage(ctx, conversationID, userID, role, content)
	if err != nil {
		return nil, err
	}
	adp.invalidateConversation(ctx, conversationID)
	if msg.Content != "" {
		if err := adp.cache.SaveMessage(ctx, msg); err != nil {
			adp.log.Warn().Err(err).Str("message_id", msg.ID).Msg("cache save message failed")
		}
	}
	return msg, nil
}

func (adp *ChatRepositoryAdapter) UpdateMessageContent(ctx context.Context, messageID, content string, tokenCost int) error {
	if err := adp.store.UpdateMessageContent(ctx, messageID, content, tokenCost); err != nil {
		return err
	}
	if err := adp.cache.DeleteMessage(ctx, messageID); err != nil {
		adp.log.Warn().Err(err).Str("message_id", messageID).Msg("cache invalidate message failed")
	}
	return nil
}

// GetMessage reads through the cache. Messages without content are never
// written back: they are placeholders whose content is about to change.
func (adp *ChatRepositoryAdapter) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	msg, err := adp.cache.GetMessage(ctx, messageID)
	if err == nil && msg != nil {
		return msg, nil
	}

	msg, err = adp.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}

	if msg.Content != "" {
		if err := adp.cache.SaveMessage(ctx, msg); err != nil {
			adp.log.Warn().Err(err).Str("message_id", messageID).Msg("cache write back message failed")
		}
	}
	return msg, nil
}

func (adp *ChatRepositoryAdapter) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*domain.Message, error) {
	return adp.store.ListMessages(ctx, conversationID, limit, offset)
}

func (adp *ChatRepositoryAdapter) AddUsage(ctx context.Context, conversationID string, tokens int) error {
	if err := adp.store.AddUsage(ctx, conversationID, tokens); err != nil {
		return err
	}
	adp.invalidateConversation(ctx, conversationID)
	return nil
}

func (adp *ChatRepositoryAdapter) invalidateConversation(ctx context.Context, conversationID string) {
	if err := adp.cache.DeleteConversation(ctx, conversationID); err != nil {
		adp.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("cache invalidate conversation failed")
	}
}
