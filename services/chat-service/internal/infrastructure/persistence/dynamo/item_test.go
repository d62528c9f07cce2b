package dynamo

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"stream-chat/services/chat-service/internal/domain"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func TestSortKeyFollowsCreationTime(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	earlier := &domain.Message{ID: "b", CreatedAt: base.Add(900 * time.Millisecond)}
	later := &domain.Message{ID: "a", CreatedAt: base.Add(1 * time.Second)}

	ek := getS(messageItem(earlier), "SortKey")
	lk := getS(messageItem(later), "SortKey")
	if ek >= lk {
		t.Fatalf("sort keys out of order: %q >= %q", ek, lk)
	}
}

func TestMessageItemKeepsEmptyContent(t *testing.T) {
	msg := &domain.Message{
		ID:             "m1",
		ConversationID: "c1",
		UserID:         "u1",
		Role:           domain.RoleAssistant,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	got := parseMessage(messageItem(msg))
	if got.Content != "" || got.Role != domain.RoleAssistant || got.ConversationID != "c1" {
		t.Fatalf("unexpected message %+v", got)
	}
	if !got.CreatedAt.Equal(msg.CreatedAt) {
		t.Fatalf("created at changed: %v != %v", got.CreatedAt, msg.CreatedAt)
	}
}

func TestConditionFailed(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"conditional check", &types.ConditionalCheckFailedException{}, true},
		{"wrapped", fmt.Errorf("op: %w", &types.ConditionalCheckFailedException{}), true},
		{"transaction", &types.TransactionCanceledException{
			CancellationReasons: []types.CancellationReason{{Code: aws.String("ConditionalCheckFailed")}},
		}, true},
		{"transaction other", &types.TransactionCanceledException{
			CancellationReasons: []types.CancellationReason{{Code: aws.String("ThrottlingError")}},
		}, false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := conditionFailed(tt.err); got != tt.want {
				t.Fatalf("conditionFailed = %v, want %v", got, tt.want)
			}
		})
	}
}
