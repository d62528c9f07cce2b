package domain

import (
	"errors"
	"fmt"
)

// failure kinds
var (
	ErrTransport        = errors.New("transport failure")
	ErrGeneration       = errors.New("generation failed")
	ErrGenerationActive = errors.New("a generation is already running for this conversation")
	ErrPersistence      = errors.New("persistence failure")
)

// request
var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
)

// ConflictError is returned when a send hits a conversation whose generation
// is still running. It matches ErrGenerationActive.
type ConflictError struct {
	ConversationID string
	MessageID      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conversation %s: generation %s still running", e.ConversationID, e.MessageID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrGenerationActive
}
