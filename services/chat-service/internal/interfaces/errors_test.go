package interfaces

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"stream-chat/pkg/protocol"
	"stream-chat/services/chat-service/internal/domain"
	"stream-chat/services/chat-service/internal/generation"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"conflict", &domain.ConflictError{ConversationID: "c1", MessageID: "m1"}, http.StatusConflict, protocol.CodeGenerationActive},
		{"wrapped not found", fmt.Errorf("load: %w", domain.ErrConversationNotFound), http.StatusNotFound, protocol.CodeNotFound},
		{"message not found", domain.ErrMessageNotFound, http.StatusNotFound, protocol.CodeNotFound},
		{"forbidden", domain.ErrPermissionDenied, http.StatusForbidden, protocol.CodeForbidden},
		{"invalid", fmt.Errorf("%w: content is empty", domain.ErrInvalidArgument), http.StatusBadRequest, protocol.CodeInvalidRequest},
		{"unauthenticated", domain.ErrUnauthenticated, http.StatusUnauthorized, protocol.CodeUnauthenticated},
		{"shutting down", generation.ErrShuttingDown, http.StatusServiceUnavailable, protocol.CodeInternal},
		{"persistence", fmt.Errorf("%w: db down", domain.ErrPersistence), http.StatusInternalServerError, protocol.CodeInternal},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, protocol.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Status != tt.status || got.Code != tt.code {
				t.Fatalf("got %d/%s, want %d/%s", got.Status, got.Code, tt.status, tt.code)
			}
		})
	}

	if got := MapError(&domain.ConflictError{MessageID: "m1"}); got.MessageID != "m1" {
		t.Fatalf("conflict lost message id: %+v", got)
	}
	if got := MapError(fmt.Errorf("%w: secret dsn", domain.ErrPersistence)); got.Message != "internal error" {
		t.Fatalf("internal cause leaked: %q", got.Message)
	}
}
