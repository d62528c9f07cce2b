// Package interfaces holds what the REST and WebSocket surfaces share.
package interfaces

import (
	"errors"
	"net/http"

	"stream-chat/pkg/protocol"
	"stream-chat/services/chat-service/internal/domain"
	"stream-chat/services/chat-service/internal/generation"
)

// WireError is a domain error as the client sees it.
type WireError struct {
	Status    int
	Code      string
	Message   string
	MessageID string // running generation, for conflicts
}

// MapError translates err into an HTTP status and a wire error code.
// Internal failures never leak their cause.
func MapError(err error) WireError {
	var conflict *domain.ConflictError
	switch {
	case errors.As(err, &conflict):
		return WireError{Status: http.StatusConflict, Code: protocol.CodeGenerationActive,
			Message: domain.ErrGenerationActive.Error(), MessageID: conflict.MessageID}
	case errors.Is(err, domain.ErrGenerationActive):
		return WireError{Status: http.StatusConflict, Code: protocol.CodeGenerationActive, Message: err.Error()}
	case errors.Is(err, domain.ErrConversationNotFound), errors.Is(err, domain.ErrMessageNotFound):
		return WireError{Status: http.StatusNotFound, Code: protocol.CodeNotFound, Message: err.Error()}
	case errors.Is(err, domain.ErrPermissionDenied):
		return WireError{Status: http.StatusForbidden, Code: protocol.CodeForbidden, Message: err.Error()}
	case errors.Is(err, domain.ErrInvalidArgument):
		return WireError{Status: http.StatusBadRequest, Code: protocol.CodeInvalidRequest, Message: err.Error()}
	case errors.Is(err, domain.ErrUnauthenticated):
		return WireError{Status: http.StatusUnauthorized, Code: protocol.CodeUnauthenticated, Message: err.Error()}
	case errors.Is(err, generation.ErrShuttingDown):
		return WireError{Status: http.StatusServiceUnavailable, Code: protocol.CodeInternal, Message: err.Error()}
	}
	return WireError{Status: http.StatusInternalServerError, Code: protocol.CodeInternal, Message: "internal error"}
}
