package model

import (
	"time"

	"stream-chat/services/chat-service/internal/domain"

	"gorm.io/gorm"
)

type MessageModel struct {
	ID             uint           `gorm:"primaryKey;autoIncrement;column:id"`
	MessageID      string         `gorm:"uniqueIndex:idx_message_id;size:36;not null;column:message_id"`
	ConversationID string         `gorm:"index:idx_msg_conv_created,priority:1;size:36;not null;column:conversation_id"`
	UserID         string         `gorm:"index:idx_user_id;size:64;not null;column:user_id"`
	Role           string         `gorm:"size:20;not null;column:role"`
	Content        string         `gorm:"type:text;not null;default:'';column:content"`
	TokenCost      int            `gorm:"not null;default:0;column:token_cost"`
	CreatedAt      time.Time      `gorm:"index:idx_msg_conv_created,priority:2;not null;column:created_at"`
	UpdatedAt      time.Time      `gorm:"not null;column:updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index;column:deleted_at"`
}

func (MessageModel) TableName() string {
	return "messages"
}

func (m *MessageModel) ToDomain() *domain.Message {
	return &domain.Message{
		ID:             m.MessageID,
		ConversationID: m.ConversationID,
		UserID:         m.UserID,
		Role:           domain.Role(m.Role),
		Content:        m.Content,
		TokenCost:      m.TokenCost,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func ToMessageModel(d *domain.Message) *MessageModel {
	return &MessageModel{
		MessageID:      d.ID,
		ConversationID: d.ConversationID,
		UserID:         d.UserID,
		Role:           d.Role.String(),
		Content:        d.Content,
		TokenCost:      d.TokenCost,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}
