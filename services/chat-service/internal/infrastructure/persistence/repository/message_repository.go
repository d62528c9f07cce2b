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

// CreateMessage inserts the message and bumps the conversation counters in
// one transaction.
func (r *ChatRepository) CreateMessage(ctx context.Context, conversationID, userID string, role domain.Role, content string) (*domain.Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate message id: %w", err)
	}
	now := time.Now().UTC()
	msg := &domain.Message{
		ID:             id.String(),
		ConversationID: conversationID,
		UserID:         userID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.ConversationModel{}).
			Where("conversation_id = ?", conversationID).
			Updates(map[string]any{
				"message_count":    gorm.Expr("message_count + 1"),
				"last_activity_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrConversationNotFound
		}
		return tx.Create(model.ToMessageModel(msg)).Error
	})
	if err != nil {
		if errors.Is(err, domain.ErrConversationNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	return msg, nil
}

func (r *ChatRepository) UpdateMessageContent(ctx context.Context, messageID, content string, tokenCost int) error {
	res := r.db.WithContext(ctx).Model(&model.MessageModel{}).
		Where("message_id = ?", messageID).
		Updates(map[string]any{
			"content":    content,
			"token_cost": tokenCost,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update message: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (r *ChatRepository) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	var m model.MessageModel
	if err := r.db.WithContext(ctx).Where("message_id = ?", messageID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to find message: %w", err)
	}
	return m.ToDomain(), nil
}

func (r *ChatRepository) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*domain.Message, error) {
	var models []*model.MessageModel
	q := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID).
		Order("created_at asc").
		Order("message_id asc").
		Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	messages := make([]*domain.Message, len(models))
	for i, entity := range models {
		messages[i] = entity.ToDomain()
	}
	return messages, nil
}
