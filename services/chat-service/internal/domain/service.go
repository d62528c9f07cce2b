package domain

import (
	"context"
	"time"
)

type GenerateRequest struct {
	ConversationID string
	UserID         string
	MessageID      string
	Prompt         string
	History        []*Message
}

// Fragment is one piece of backend output. A fragment with Err set is the
// last one; a closed channel means the backend finished.
type Fragment struct {
	Content string
	Status  string
	Err     error
}

// Generator produces an assistant reply. Cancelling ctx asks it to stop; it
// must close the returned channel once it has.
type Generator interface {
	Generate(ctx context.Context, req *GenerateRequest) (<-chan *Fragment, error)
}

// ConversationLocker serializes generations per conversation across service
// instances.
type ConversationLocker interface {
	Acquire(ctx context.Context, conversationID, owner string) (bool, error)
	Release(ctx context.Context, conversationID, owner string) error
}

const (
	OutcomeCompleted = "completed"
	OutcomeStopped   = "stopped"
	OutcomeErrored   = "errored"
)

type GenerationOutcome struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	UserID         string    `json:"user_id"`
	Outcome        string    `json:"outcome"`
	Reason         string    `json:"reason,omitempty"`
	TokenCost      int       `json:"token_cost"`
	Chunks         int       `json:"chunks"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, outcome *GenerationOutcome) error
}

// TokenCounter estimates the token cost of a piece of text.
type TokenCounter interface {
	Count(text string) int
}
