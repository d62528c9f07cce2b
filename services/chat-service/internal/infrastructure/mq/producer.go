package mq

import (
	"context"
	"encoding/json"
	"fmt"

	"stream-chat/services/chat-service/internal/domain"

	rocketmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
)

// Producer publishes generation outcomes. It implements domain.OutcomePublisher.
type Producer struct {
	client rocketmq.Producer
	topic  string
}

func NewProducer(client rocketmq.Producer, topic string) *Producer {
	if topic == "" {
		topic = DefaultTopicGeneration
	}
	return &Producer{client: client, topic: topic}
}

func (p *Producer) PublishOutcome(ctx context.Context, outcome *domain.GenerationOutcome) error {
	msg, err := outcomeMessage(p.topic, outcome)
	if err != nil {
		return err
	}
	_, err = p.client.SendSync(ctx, msg)
	return err
}

func (p *Producer) Shutdown() error {
	return p.client.Shutdown()
}

func outcomeMessage(topic string, outcome *domain.GenerationOutcome) (*primitive.Message, error) {
	data, err := json.Marshal(outcome)
	if err != nil {
		return nil, fmt.Errorf("converting error: %w", err)
	}
	msg := primitive.NewMessage(topic, data)
	msg.WithTag(outcome.Outcome)
	msg.WithKeys([]string{outcome.MessageID})
	msg.WithShardingKey(outcome.ConversationID)
	return msg, nil
}
