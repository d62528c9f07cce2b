package dynamo

import (
	"strconv"
	"time"

	"stream-chat/services/chat-service/internal/domain"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func str(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func num(v int) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(v)}
}

func getS(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func getN(item map[string]types.AttributeValue, key string) int {
	if v, ok := item[key].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.Atoi(v.Value)
		return n
	}
	return 0
}

func getTime(item map[string]types.AttributeValue, key string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, getS(item, key))
	return t
}

func conversationItem(c *domain.Conversation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"ConversationID": str(c.ID),
		"UserID":         str(c.UserID),
		"Title":          str(c.Title),
		"MessageCount":   num(c.MessageCount),
		"TokenTotal":     num(c.TokenTotal),
		"LastActivityAt": str(c.LastActivityAt.UTC().Format(sortTimeLayout)),
		"CreatedAt":      str(c.CreatedAt.UTC().Format(time.RFC3339Nano)),
	}
}

func parseConversation(item map[string]types.AttributeValue) *domain.Conversation {
	return &domain.Conversation{
		ID:             getS(item, "ConversationID"),
		UserID:         getS(item, "UserID"),
		Title:          getS(item, "Title"),
		MessageCount:   getN(item, "MessageCount"),
		TokenTotal:     getN(item, "TokenTotal"),
		LastActivityAt: getTime(item, "LastActivityAt"),
		CreatedAt:      getTime(item, "CreatedAt"),
	}
}

func messageItem(m *domain.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"MessageID":      str(m.ID),
		"ConversationID": str(m.ConversationID),
		"SortKey":        str(m.CreatedAt.UTC().Format(sortTimeLayout) + "#" + m.ID),
		"UserID":         str(m.UserID),
		"Role":           str(m.Role.String()),
		"Content":        str(m.Content),
		"TokenCost":      num(m.TokenCost),
		"CreatedAt":      str(m.CreatedAt.UTC().Format(time.RFC3339Nano)),
		"UpdatedAt":      str(m.UpdatedAt.UTC().Format(time.RFC3339Nano)),
	}
}

func parseMessage(item map[string]types.AttributeValue) *domain.Message {
	return &domain.Message{
		ID:             getS(item, "MessageID"),
		ConversationID: getS(item, "ConversationID"),
		UserID:         getS(item, "UserID"),
		Role:           domain.Role(getS(item, "Role")),
		Content:        getS(item, "Content"),
		TokenCost:      getN(item, "TokenCost"),
		CreatedAt:      getTime(item, "CreatedAt"),
		UpdatedAt:      getTime(item, "UpdatedAt"),
	}
}
