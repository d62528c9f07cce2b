// Package memory is an in-process domain.ChatRepository used by tests and the
// "memory" storage driver.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"stream-chat/services/chat-service/internal/domain"

	"github.com/google/uuid"
)

type Store struct {
	mu       sync.RWMutex
	convs    map[string]*domain.Conversation
	messages map[string]*domain.Message
	byConv   map[string][]string // message ids in creation order
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		convs:    make(map[string]*domain.Conversation),
		messages: make(map[string]*domain.Message),
		byConv:   make(map[string][]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv.ID == "" {
		conv.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := s.now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.LastActivityAt.IsZero() {
		conv.LastActivityAt = now
	}
	c := *conv
	s.convs[conv.ID] = &c
	return nil
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string, limit, offset int) ([]*domain.Conversation, error) {
	s.mu.RLock()
	var out []*domain.Conversation
	for _, c := range s.convs {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, limit, offset), nil
}

func (s *Store) CreateMessage(ctx context.Context, conversationID, userID string, role domain.Role, content string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	now := s.now()
	msg := &domain.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		UserID:         userID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.messages[msg.ID] = msg
	s.byConv[conversationID] = append(s.byConv[conversationID], msg.ID)
	c.MessageCount++
	c.LastActivityAt = now
	return msg.Clone(), nil
}

func (s *Store) UpdateMessageContent(ctx context.Context, messageID, content string, tokenCost int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return domain.ErrMessageNotFound
	}
	m.Content = content
	m.TokenCost = tokenCost
	m.UpdatedAt = s.now()
	return nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[messageID]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	return m.Clone(), nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byConv[conversationID]
	out := make([]*domain.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.messages[id].Clone())
	}
	return page(out, limit, offset), nil
}

func (s *Store) AddUsage(ctx context.Context, conversationID string, tokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return domain.ErrConversationNotFound
	}
	c.TokenTotal += tokens
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
