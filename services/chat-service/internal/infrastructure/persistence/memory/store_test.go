package memory

import (
	"context"
	"errors"
	"testing"

	"stream-chat/services/chat-service/internal/domain"
)

func TestCreateMessageBumpsConversation(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	conv := &domain.Conversation{UserID: "u1"}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}

	first, err := s.CreateMessage(ctx, conv.ID, "u1", domain.RoleUser, "Hello")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.CreateMessage(ctx, conv.ID, "u1", domain.RoleAssistant, "")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == second.ID {
		t.Fatal("message ids must be unique")
	}

	got, _ := s.GetConversation(ctx, conv.ID)
	if got.MessageCount != 2 {
		t.Fatalf("expected 2 messages, got %d", got.MessageCount)
	}

	msgs, _ := s.ListMessages(ctx, conv.ID, 0, 0)
	if len(msgs) != 2 || msgs[0].ID != first.ID || msgs[1].ID != second.ID {
		t.Fatalf("messages out of order: %+v", msgs)
	}
}

func TestCreateMessageUnknownConversation(t *testing.T) {
	_, err := NewStore().CreateMessage(context.Background(), "nope", "u1", domain.RoleUser, "x")
	if !errors.Is(err, domain.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestUpdateMessageContent(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	conv := &domain.Conversation{UserID: "u1"}
	_ = s.CreateConversation(ctx, conv)
	msg, _ := s.CreateMessage(ctx, conv.ID, "u1", domain.RoleAssistant, "")

	if err := s.UpdateMessageContent(ctx, msg.ID, "Hello world", 2); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetMessage(ctx, msg.ID)
	if got.Content != "Hello world" || got.TokenCost != 2 {
		t.Fatalf("unexpected message %+v", got)
	}
	if err := s.UpdateMessageContent(ctx, "missing", "x", 0); !errors.Is(err, domain.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestListPaging(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	conv := &domain.Conversation{UserID: "u1"}
	_ = s.CreateConversation(ctx, conv)
	for i := 0; i < 5; i++ {
		_, _ = s.CreateMessage(ctx, conv.ID, "u1", domain.RoleUser, "m")
	}

	tests := []struct {
		limit, offset, want int
	}{
		{0, 0, 5},
		{2, 0, 2},
		{2, 4, 1},
		{2, 9, 0},
	}
	for _, tt := range tests {
		msgs, err := s.ListMessages(ctx, conv.ID, tt.limit, tt.offset)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != tt.want {
			t.Errorf("limit=%d offset=%d: got %d, want %d", tt.limit, tt.offset, len(msgs), tt.want)
		}
	}
}

func TestAddUsage(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	conv := &domain.Conversation{UserID: "u1"}
	_ = s.CreateConversation(ctx, conv)

	_ = s.AddUsage(ctx, conv.ID, 7)
	_ = s.AddUsage(ctx, conv.ID, 3)
	got, _ := s.GetConversation(ctx, conv.ID)
	if got.TokenTotal != 10 {
		t.Fatalf("expected 10 tokens, got %d", got.TokenTotal)
	}
}
