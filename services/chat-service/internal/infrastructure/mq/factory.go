package mq

import (
	"context"
	"fmt"
	"net"

	"stream-chat/config"
	"stream-chat/services/chat-service/internal/domain"

	rocketmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/rs/zerolog"
)

// InitProducer starts the outcome producer. It returns nil, nil when no name
// server is configured.
func InitProducer(cfg *config.AppConfig, log zerolog.Logger) (*Producer, error) {
	resolvedNameServers := resolveNameServers(cfg.RocketMQ.NameServers, log)
	if len(resolvedNameServers) == 0 {
		log.Info().Msg("RocketMQ name servers not configured, skipping producer initialization")
		return nil, nil
	}

	p, err := rocketmq.NewProducer(
		producer.WithNsResolver(primitive.NewPassthroughResolver(resolvedNameServers)),
		producer.WithRetry(cfg.RocketMQ.MaxRetries),
		producer.WithGroupName(cfg.RocketMQ.GroupName),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create RocketMQ producer: %w", err)
	}

	if err := p.Start(); err != nil {
		return nil, fmt.Errorf("failed to start RocketMQ producer: %w", err)
	}

	topic := cfg.RocketMQ.Topics.Generation
	// autoCreateTopicEnable=true 时用一条消息建 topic
	initMsg := primitive.NewMessage(topic, []byte("init"))
	if _, err := p.SendSync(context.Background(), initMsg); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to send init message")
	} else {
		log.Info().Str("topic", topic).Msg("initialized topic")
	}

	return NewProducer(p, topic), nil
}

// InitConsumer starts the usage consumer. It returns nil, nil when no name
// server is configured.
func InitConsumer(cfg *config.AppConfig, repo domain.ChatRepository, log zerolog.Logger) (*Consumer, error) {
	resolvedNameServers := resolveNameServers(cfg.RocketMQ.NameServers, log)
	if len(resolvedNameServers) == 0 {
		log.Info().Msg("RocketMQ name servers not configured, skipping consumer initialization")
		return nil, nil
	}

	c, err := rocketmq.NewPushConsumer(
		consumer.WithNsResolver(primitive.NewPassthroughResolver(resolvedNameServers)),
		consumer.WithGroupName(cfg.RocketMQ.ConsumerGroup),
		consumer.WithRetry(cfg.RocketMQ.MaxRetries),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create RocketMQ consumer: %w", err)
	}

	mqConsumer := NewConsumer(c, repo, cfg.RocketMQ.Topics.Generation, log)

	if err := mqConsumer.SubscribeGeneration(); err != nil {
		return nil, fmt.Errorf("failed to subscribe generation topic: %w", err)
	}

	if err := mqConsumer.Start(); err != nil {
		return nil, fmt.Errorf("failed to start RocketMQ consumer: %w", err)
	}

	log.Info().Msg("RocketMQ consumer started")
	return mqConsumer, nil
}

func resolveNameServers(servers []string, log zerolog.Logger) []string {
	var resolvedNameServers []string
	for _, addr := range servers {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			log.Warn().Err(err).Str("addr", addr).Msg("failed to split host port")
			resolvedNameServers = append(resolvedNameServers, addr)
			continue
		}
		ips, err := net.LookupHost(host)
		if err != nil {
			log.Warn().Err(err).Str("host", host).Msg("failed to lookup host")
			resolvedNameServers = append(resolvedNameServers, addr)
			continue
		}
		if len(ips) > 0 {
			resolvedNameServers = append(resolvedNameServers, net.JoinHostPort(ips[0], port))
		} else {
			resolvedNameServers = append(resolvedNameServers, addr)
		}
	}
	return resolvedNameServers
}
