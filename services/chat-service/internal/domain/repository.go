package domain

import "context"

// ChatRepository 定义数据访问接口
// 不关心具体实现是redis，postgres，还是dynamodb
type ChatRepository interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, conversationID string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string, limit, offset int) ([]*Conversation, error)

	// CreateMessage assigns the message ID and bumps the conversation's
	// message count and last activity. Content may be empty.
	CreateMessage(ctx context.Context, conversationID, userID string, role Role, content string) (*Message, error)
	// UpdateMessageContent replaces the content of an existing message in place.
	UpdateMessageContent(ctx context.Context, messageID, content string, tokenCost int) error
	GetMessage(ctx context.Context, messageID string) (*Message, error)
	// ListMessages returns messages oldest first.
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*Message, error)

	AddUsage(ctx context.Context, conversationID string, tokens int) error
}
