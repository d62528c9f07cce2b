package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stream-chat/services/chat-service/internal/domain"
	"stream-chat/services/chat-service/internal/infrastructure/persistence/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ChatRepository is the Postgres-backed domain.ChatRepository.
type ChatRepository struct {
	db *gorm.DB
}

func NewChatRepository(db *gorm.DB) *ChatRepository {
	return &ChatRepository{db: db}
}

func (r *ChatRepository) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	if conv.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to allocate conversation id: %w", err)
		}
		conv.ID = id.String()
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.LastActivityAt.IsZero() {
		conv.LastActivityAt = now
	}
	m := model.ToConversationModel(conv)
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (r *ChatRepository) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var m model.ConversationModel
	if err := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to find conversation: %w", err)
	}
	return m.ToDomain(), nil
}

// ListConversations returns the user's conversations, most recently active first.
func (r *ChatRepository) ListConversations(ctx context.Context, userID string, limit, offset int) ([]*domain.Conversation, error) {
	var models []*model.ConversationModel
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("last_activity_at desc").
		Limit(limit).
		Offset(offset).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to find conversations: %w", err)
	}

	convs := make([]*domain.Conversation, len(models))
	for i, m := range models {
		convs[i] = m.ToDomain()
	}
	return convs, nil
}

func (r *ChatRepository) AddUsage(ctx context.Context, conversationID string, tokens int) error {
	res := r.db.WithContext(ctx).Model(&model.ConversationModel{}).
		Where("conversation_id = ?", conversationID).
		Update("token_total", gorm.Expr("token_total + ?", tokens))
	if res.Error != nil {
		return fmt.Errorf("failed to add usage: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}
