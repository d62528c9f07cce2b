package model

import (
	"time"

	"stream-chat/services/chat-service/internal/domain"
)

type ConversationModel struct {
	ID             uint      `gorm:"primaryKey;autoIncrement;column:id"`
	ConversationID string    `gorm:"uniqueIndex:idx_conversation_id;size:36;not null;column:conversation_id"`
	UserID         string    `gorm:"index:idx_conv_user_activity,priority:1;size:64;not null;column:user_id"`
	Title          string    `gorm:"size:200;not null;default:'';column:title"`
	MessageCount   int       `gorm:"not null;default:0;column:message_count"`
	TokenTotal     int       `gorm:"not null;default:0;column:token_total"`
	LastActivityAt time.Time `gorm:"index:idx_conv_user_activity,priority:2;not null;column:last_activity_at"`
	CreatedAt      time.Time `gorm:"autoCreateTime;not null;column:created_at"`
}

func (ConversationModel) TableName() string {
	return "conversations"
}

func (m *ConversationModel) ToDomain() *domain.Conversation {
	return &domain.Conversation{
		ID:             m.ConversationID,
		UserID:         m.UserID,
		Title:          m.Title,
		MessageCount:   m.MessageCount,
		TokenTotal:     m.TokenTotal,
		LastActivityAt: m.LastActivityAt,
		CreatedAt:      m.CreatedAt,
	}
}

func ToConversationModel(d *domain.Conversation) *ConversationModel {
	return &ConversationModel{
		ConversationID: d.ID,
		UserID:         d.UserID,
		Title:          d.Title,
		MessageCount:   d.MessageCount,
		TokenTotal:     d.TokenTotal,
		LastActivityAt: d.LastActivityAt,
		CreatedAt:      d.CreatedAt,
	}
}
