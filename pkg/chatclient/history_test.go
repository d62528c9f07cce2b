package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"stream-chat/pkg/protocol"
)

func newAPIServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chat/conversations/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(protocol.ErrorResponse{Code: protocol.CodeUnauthenticated, Error: "无效的令牌"})
			return
		}
		switch r.Method {
		case http.MethodGet:
			if r.URL.Query().Get("limit") != "20" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(protocol.MessagesResponse{Messages: []*protocol.MessageView{
				{ID: "u1", ConversationID: "c1", Role: "user", Content: "hi"},
				{ID: "a1", ConversationID: "c1", Role: "assistant", Content: "hello"},
			}})
		case http.MethodPost:
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(protocol.ErrorResponse{Code: protocol.CodeGenerationActive, Error: "generation in progress", MessageID: "a1"})
		}
	})
	mux.HandleFunc("/api/v1/chat/conversations/c1/stop", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(protocol.StopResponse{Stopped: true, MessageID: "a1"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAPIHistory(t *testing.T) {
	srv := newAPIServer(t)
	api := NewAPI(srv.URL, "tok")

	msgs, err := api.History(context.Background(), "c1", 20, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Content != "hello" {
		t.Fatalf("unexpected messages %+v", msgs)
	}

	stop, err := api.Stop(context.Background(), "c1")
	if err != nil || !stop.Stopped || stop.MessageID != "a1" {
		t.Fatalf("stop: %+v %v", stop, err)
	}
}

func TestAPIErrors(t *testing.T) {
	srv := newAPIServer(t)

	_, err := NewAPI(srv.URL, "tok").Send(context.Background(), "c1", "again", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Code != protocol.CodeGenerationActive || apiErr.MessageID != "a1" {
		t.Fatalf("unexpected error %+v", apiErr)
	}

	_, err = NewAPI(srv.URL, "wrong").History(context.Background(), "c1", 20, 0)
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized || apiErr.Code != protocol.CodeUnauthenticated {
		t.Fatalf("unexpected error %v", err)
	}
}
