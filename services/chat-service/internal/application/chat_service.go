package application

import (
	"context"
	"fmt"
	"strings"

	"stream-chat/services/chat-service/internal/domain"
	"stream-chat/services/chat-service/internal/generation"
	"stream-chat/services/chat-service/internal/hub"

	"github.com/rs/zerolog"
)

const defaultTitle = "New Chat"

type ChatService struct {
	chatRepo     domain.ChatRepository
	generations  *generation.Manager
	historyLimit int
	log          zerolog.Logger
}

func NewChatService(chatRepo domain.ChatRepository, generations *generation.Manager, historyLimit int, log zerolog.Logger) *ChatService {
	return &ChatService{
		chatRepo:     chatRepo,
		generations:  generations,
		historyLimit: historyLimit,
		log:          log.With().Str("component", "chat-service").Logger(),
	}
}

// CanAccess 检查会话归属
func (s *ChatService) CanAccess(ctx context.Context, userID, conversationID string) (*domain.Conversation, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", domain.ErrInvalidArgument)
	}
	conv, err := s.chatRepo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.OwnedBy(userID) {
		return nil, domain.ErrPermissionDenied
	}
	return conv, nil
}

// EnsureConversation returns the caller's conversation, creating one titled
// after content when conversationID is empty.
func (s *ChatService) EnsureConversation(ctx context.Context, userID, conversationID, content string) (*domain.Conversation, error) {
	if conversationID != "" {
		return s.CanAccess(ctx, userID, conversationID)
	}
	conv := &domain.Conversation{UserID: userID}
	conv.SetTitle(content)
	if err := s.chatRepo.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("%w: create conversation: %w", domain.ErrPersistence, err)
	}
	s.log.Info().Str("conversation_id", conv.ID).Str("user_id", userID).Msg("conversation created")
	return conv, nil
}

// CreateConversation 创建会话
func (s *ChatService) CreateConversation(ctx context.Context, userID, title string) (*domain.Conversation, error) {
	conv := &domain.Conversation{UserID: userID}
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultTitle
	}
	conv.SetTitle(title)
	if err := s.chatRepo.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("%w: create conversation: %w", domain.ErrPersistence, err)
	}
	return conv, nil
}

// SendMessage persists the user message and starts generating the reply.
func (s *ChatService) SendMessage(ctx context.Context, userID, conversationID, content string) (*domain.Conversation, *generation.StartResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil, fmt.Errorf("%w: content is empty", domain.ErrInvalidArgument)
	}
	conv, err := s.EnsureConversation(ctx, userID, conversationID, content)
	if err != nil {
		return nil, nil, err
	}

	history, err := s.GetContext(ctx, conv)
	if err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("get context failed")
	}

	res, err := s.generations.Start(ctx, generation.StartRequest{
		ConversationID: conv.ID,
		UserID:         userID,
		Content:        content,
		History:        history,
	})
	if err != nil {
		return conv, nil, err
	}
	return conv, res, nil
}

// GetContext 获取最近的 historyLimit 条消息作为上下文
func (s *ChatService) GetContext(ctx context.Context, conv *domain.Conversation) ([]*domain.Message, error) {
	if s.historyLimit <= 0 || conv.MessageCount == 0 {
		return nil, nil
	}
	offset := conv.MessageCount - s.historyLimit
	if offset < 0 {
		offset = 0
	}
	messages, err := s.chatRepo.ListMessages(ctx, conv.ID, s.historyLimit, offset)
	if err != nil {
		return nil, fmt.Errorf("get conversation messages: %w", err)
	}
	return messages, nil
}

// Stop stops the conversation's running generation, if any.
func (s *ChatService) Stop(ctx context.Context, userID, conversationID string) (*generation.Session, bool, error) {
	if _, err := s.CanAccess(ctx, userID, conversationID); err != nil {
		return nil, false, err
	}
	session, ok := s.generations.Stop(conversationID)
	return session, ok, nil
}

// Subscribe subscribes a connection to a conversation it owns. A snapshot of
// an in-flight response is sent first.
func (s *ChatService) Subscribe(ctx context.Context, userID string, sub hub.Subscriber, conversationID string) (bool, error) {
	if _, err := s.CanAccess(ctx, userID, conversationID); err != nil {
		return false, err
	}
	return s.generations.SubscribeWithSnapshot(sub, conversationID)
}

// Snapshot returns the in-flight response of a conversation the caller owns.
func (s *ChatService) Snapshot(ctx context.Context, userID, conversationID string) (messageID, content string, ok bool, err error) {
	if _, err := s.CanAccess(ctx, userID, conversationID); err != nil {
		return "", "", false, err
	}
	messageID, content, ok = s.generations.Snapshot(conversationID)
	return messageID, content, ok, nil
}

// GetHistory 获取会话历史, 按创建时间升序
func (s *ChatService) GetHistory(ctx context.Context, userID, conversationID string, limit, offset int) ([]*domain.Message, error) {
	if _, err := s.CanAccess(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.chatRepo.ListMessages(ctx, conversationID, limit, offset)
}

// GetConversations 获取用户会话列表
func (s *ChatService) GetConversations(ctx context.Context, userID string, limit, offset int) ([]*domain.Conversation, error) {
	return s.chatRepo.ListConversations(ctx, userID, limit, offset)
}

// GetMessage returns one message of a conversation the caller owns.
func (s *ChatService) GetMessage(ctx context.Context, userID, messageID string) (*domain.Message, error) {
	msg, err := s.chatRepo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.UserID != userID {
		return nil, domain.ErrPermissionDenied
	}
	return msg, nil
}
