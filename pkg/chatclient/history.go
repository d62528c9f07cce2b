package chatclient

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"stream-chat/pkg/protocol"

	"github.com/go-resty/resty/v2"
)

// APIError is a non-2xx answer of the REST API.
type APIError struct {
	Status    int
	Code      string
	Message   string
	MessageID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("http %d %s: %s", e.Status, e.Code, e.Message)
}

// API is the REST side of the chat service, used for history and for the
// durable reads that confirm a streamed response.
type API struct {
	http *resty.Client
}

// NewAPI builds a client for baseURL (http://host:port).
func NewAPI(baseURL, token string) *API {
	c := resty.New().
		SetBaseURL(baseURL+"/api/v1/chat").
		SetAuthToken(token).
		SetTimeout(15*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetError(&protocol.ErrorResponse{})
	return &API{http: c}
}

func (a *API) ListConversations(ctx context.Context, limit, offset int) ([]*protocol.ConversationView, error) {
	var out protocol.ConversationsResponse
	resp, err := a.http.R().SetContext(ctx).
		SetQueryParams(page(limit, offset)).
		SetResult(&out).
		Get("/conversations")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

func (a *API) CreateConversation(ctx context.Context, title string) (*protocol.ConversationView, error) {
	var out protocol.ConversationView
	resp, err := a.http.R().SetContext(ctx).
		SetBody(protocol.CreateConversationRequest{Title: title}).
		SetResult(&out).
		Post("/conversations")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns a page of a conversation's messages, oldest first.
func (a *API) History(ctx context.Context, conversationID string, limit, offset int) ([]*protocol.MessageView, error) {
	var out protocol.MessagesResponse
	resp, err := a.http.R().SetContext(ctx).
		SetQueryParams(page(limit, offset)).
		SetResult(&out).
		Get("/conversations/" + url.PathEscape(conversationID) + "/messages")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (a *API) Message(ctx context.Context, messageID string) (*protocol.MessageView, error) {
	var out protocol.MessageView
	resp, err := a.http.R().SetContext(ctx).
		SetResult(&out).
		Get("/messages/" + url.PathEscape(messageID))
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Send(ctx context.Context, conversationID, content, clientMessageID string) (*protocol.SendResponse, error) {
	var out protocol.SendResponse
	resp, err := a.http.R().SetContext(ctx).
		SetBody(protocol.SendRequest{Content: content, ClientMessageID: clientMessageID}).
		SetResult(&out).
		Post("/conversations/" + url.PathEscape(conversationID) + "/messages")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Stop(ctx context.Context, conversationID string) (*protocol.StopResponse, error) {
	var out protocol.StopResponse
	resp, err := a.http.R().SetContext(ctx).
		SetResult(&out).
		Post("/conversations/" + url.PathEscape(conversationID) + "/stop")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

func page(limit, offset int) map[string]string {
	q := map[string]string{}
	if limit > 0 {
		q["limit"] = strconv.Itoa(limit)
	}
	if offset > 0 {
		q["offset"] = strconv.Itoa(offset)
	}
	return q
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.IsError() {
		return nil
	}
	apiErr := &APIError{Status: resp.StatusCode(), Message: resp.Status()}
	if body, ok := resp.Error().(*protocol.ErrorResponse); ok && body != nil {
		apiErr.Code = body.Code
		apiErr.MessageID = body.MessageID
		if body.Error != "" {
			apiErr.Message = body.Error
		}
	}
	return apiErr
}
