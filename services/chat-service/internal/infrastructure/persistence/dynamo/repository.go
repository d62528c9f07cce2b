package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stream-chat/services/chat-service/internal/domain"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// fixed width so that string order is time order
const sortTimeLayout = "2006-01-02T15:04:05.000000000Z"

type ChatRepository struct {
	db                 *dynamodb.Client
	conversationsTable string
	messagesTable      string
}

func NewChatRepository(db *dynamodb.Client, conversationsTable, messagesTable string) *ChatRepository {
	return &ChatRepository{
		db:                 db,
		conversationsTable: conversationsTable,
		messagesTable:      messagesTable,
	}
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

	_, err := r.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.conversationsTable),
		Item:                conversationItem(conv),
		ConditionExpression: aws.String("attribute_not_exists(ConversationID)"),
	})
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (r *ChatRepository) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	out, err := r.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.conversationsTable),
		Key:            map[string]types.AttributeValue{"ConversationID": str(conversationID)},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find conversation: %w", err)
	}
	if out.Item == nil {
		return nil, domain.ErrConversationNotFound
	}
	return parseConversation(out.Item), nil
}

func (r *ChatRepository) ListConversations(ctx context.Context, userID string, limit, offset int) ([]*domain.Conversation, error) {
	items, err := r.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.conversationsTable),
		IndexName:              aws.String(conversationsByUserIndex),
		KeyConditionExpression: aws.String("UserID = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": str(userID),
		},
		ScanIndexForward: aws.Bool(false), // 最近活跃在前
	}, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to find conversations: %w", err)
	}
	convs := make([]*domain.Conversation, len(items))
	for i, item := range items {
		convs[i] = parseConversation(item)
	}
	return convs, nil
}

// CreateMessage writes the message and bumps the conversation in one
// transaction; it fails if the conversation does not exist.
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

	_, err = r.db.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:           aws.String(r.conversationsTable),
					Key:                 map[string]types.AttributeValue{"ConversationID": str(conversationID)},
					UpdateExpression:    aws.String("ADD MessageCount :one SET LastActivityAt = :now"),
					ConditionExpression: aws.String("attribute_exists(ConversationID)"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":one": num(1),
						":now": str(now.Format(sortTimeLayout)),
					},
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(r.messagesTable),
					Item:      messageItem(msg),
				},
			},
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return nil, domain.ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	return msg, nil
}

func (r *ChatRepository) UpdateMessageContent(ctx context.Context, messageID, content string, tokenCost int) error {
	_, err := r.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.messagesTable),
		Key:                 map[string]types.AttributeValue{"MessageID": str(messageID)},
		UpdateExpression:    aws.String("SET #content = :content, TokenCost = :cost, UpdatedAt = :now"),
		ConditionExpression: aws.String("attribute_exists(MessageID)"),
		ExpressionAttributeNames: map[string]string{
			"#content": "Content",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":content": str(content),
			":cost":    num(tokenCost),
			":now":     str(time.Now().UTC().Format(time.RFC3339Nano)),
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return domain.ErrMessageNotFound
		}
		return fmt.Errorf("failed to update message: %w", err)
	}
	return nil
}

func (r *ChatRepository) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	out, err := r.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.messagesTable),
		Key:            map[string]types.AttributeValue{"MessageID": str(messageID)},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find message: %w", err)
	}
	if out.Item == nil {
		return nil, domain.ErrMessageNotFound
	}
	return parseMessage(out.Item), nil
}

func (r *ChatRepository) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*domain.Message, error) {
	items, err := r.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.messagesTable),
		IndexName:              aws.String(messagesByConvIndex),
		KeyConditionExpression: aws.String("ConversationID = :cid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cid": str(conversationID),
		},
		ScanIndexForward: aws.Bool(true),
	}, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	messages := make([]*domain.Message, len(items))
	for i, item := range items {
		messages[i] = parseMessage(item)
	}
	return messages, nil
}

func (r *ChatRepository) AddUsage(ctx context.Context, conversationID string, tokens int) error {
	_, err := r.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.conversationsTable),
		Key:                 map[string]types.AttributeValue{"ConversationID": str(conversationID)},
		UpdateExpression:    aws.String("ADD TokenTotal :n"),
		ConditionExpression: aws.String("attribute_exists(ConversationID)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":n": num(tokens),
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return domain.ErrConversationNotFound
		}
		return fmt.Errorf("failed to add usage: %w", err)
	}
	return nil
}

// queryAll pages through the query until offset+limit items are collected
// (all of them when limit is 0).
func (r *ChatRepository) queryAll(ctx context.Context, in *dynamodb.QueryInput, limit, offset int) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	p := dynamodb.NewQueryPaginator(r.db, in)
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, out.Items...)
		if limit > 0 && len(items) >= offset+limit {
			break
		}
	}
	if offset >= len(items) {
		return nil, nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items, nil
}

func conditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, reason := range tce.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}
