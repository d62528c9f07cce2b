// Package dynamo is the DynamoDB-backed domain.ChatRepository.
package dynamo

import (
	"context"
	"errors"
	"fmt"

	appconfig "stream-chat/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	conversationsByUserIndex = "UserID-LastActivityAt"
	messagesByConvIndex      = "ConversationID-SortKey"
)

// NewClient builds a DynamoDB client. An explicit endpoint (DynamoDB Local)
// and static credentials are used when configured.
func NewClient(ctx context.Context, cfg appconfig.DynamoDBConfig) (*dynamodb.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: cfg.Endpoint}, nil
		})
		opts = append(opts, config.WithEndpointResolverWithOptions(resolver))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.StaticCredentialsProvider{
			Value: aws.Credentials{
				AccessKeyID:     cfg.AccessKeyID,
				SecretAccessKey: cfg.SecretAccessKey,
			},
		}))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg), nil
}

// EnsureTables creates both tables with their secondary indexes if missing.
func EnsureTables(ctx context.Context, db *dynamodb.Client, conversationsTable, messagesTable string) error {
	_, err := db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(conversationsTable),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("ConversationID"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("UserID"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("LastActivityAt"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("ConversationID"), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{{
			IndexName: aws.String(conversationsByUserIndex),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("UserID"), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("LastActivityAt"), KeyType: types.KeyTypeRange},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		}},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil && !isResourceInUse(err) {
		return fmt.Errorf("create table %s: %w", conversationsTable, err)
	}

	_, err = db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(messagesTable),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("MessageID"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("ConversationID"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("SortKey"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("MessageID"), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{{
			IndexName: aws.String(messagesByConvIndex),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("ConversationID"), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("SortKey"), KeyType: types.KeyTypeRange},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		}},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil && !isResourceInUse(err) {
		return fmt.Errorf("create table %s: %w", messagesTable, err)
	}
	return nil
}

func isResourceInUse(err error) bool {
	var inUse *types.ResourceInUseException
	return errors.As(err, &inUse)
}
