package mq

import "stream-chat/services/chat-service/internal/domain"

const (
	DefaultTopicGeneration = "generation_topic"

	TagCompleted = domain.OutcomeCompleted
	TagStopped   = domain.OutcomeStopped
	TagErrored   = domain.OutcomeErrored
)
