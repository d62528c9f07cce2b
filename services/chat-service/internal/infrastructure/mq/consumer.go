package mq

import (
	"context"
	"encoding/json"

	"stream-chat/services/chat-service/internal/domain"

	rocketmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/rs/zerolog"
)

// Consumer folds generation outcomes into per-conversation token usage.
type Consumer struct {
	client rocketmq.PushConsumer
	repo   domain.ChatRepository
	topic  string
	log    zerolog.Logger
}

func NewConsumer(client rocketmq.PushConsumer, repo domain.ChatRepository, topic string, log zerolog.Logger) *Consumer {
	if topic == "" {
		topic = DefaultTopicGeneration
	}
	return &Consumer{
		client: client,
		repo:   repo,
		topic:  topic,
		log:    log.With().Str("component", "mq-consumer").Logger(),
	}
}

func (c *Consumer) SubscribeGeneration() error {
	return c.client.Subscribe(
		c.topic,
		consumer.MessageSelector{Type: consumer.TAG, Expression: TagCompleted + " || " + TagStopped + " || " + TagErrored},
		c.handleGenerationMessage,
	)
}

func (c *Consumer) handleGenerationMessage(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
	for _, msg := range msgs {
		var err error
		switch msg.GetTags() {
		case TagCompleted, TagStopped, TagErrored:
			err = c.handleOutcome(ctx, msg.Body)
		default:
			c.log.Warn().Str("tag", msg.GetTags()).Msg("unknown tag")
			continue
		}

		if err != nil {
			c.log.Error().Err(err).Msg("handle outcome failed, will retry")
			return consumer.ConsumeRetryLater, nil
		}
	}
	return consumer.ConsumeSuccess, nil
}

func (c *Consumer) handleOutcome(ctx context.Context, body []byte) error {
	var outcome domain.GenerationOutcome
	if err := json.Unmarshal(body, &outcome); err != nil {
		// 坏消息重试也没用
		c.log.Error().Err(err).Msg("unmarshal outcome")
		return nil
	}
	if outcome.TokenCost <= 0 {
		return nil
	}

	if err := c.repo.AddUsage(ctx, outcome.ConversationID, outcome.TokenCost); err != nil {
		if err == domain.ErrConversationNotFound {
			c.log.Warn().Str("conversation_id", outcome.ConversationID).Msg("usage for unknown conversation dropped")
			return nil
		}
		return err
	}
	c.log.Debug().
		Str("conversation_id", outcome.ConversationID).
		Str("message_id", outcome.MessageID).
		Str("outcome", outcome.Outcome).
		Int("tokens", outcome.TokenCost).
		Msg("usage recorded")
	return nil
}

func (c *Consumer) Start() error {
	return c.client.Start()
}

func (c *Consumer) Shutdown() error {
	return c.client.Shutdown()
}
