package protocol

import "time"

// REST bodies of /api/v1/chat.

type ConversationView struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	MessageCount   int       `json:"messageCount"`
	TokenTotal     int       `json:"tokenTotal"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	CreatedAt      time.Time `json:"createdAt"`
}

type CreateConversationRequest struct {
	Title string `json:"title"`
}

type ConversationsResponse struct {
	Conversations []*ConversationView `json:"conversations"`
}

type MessagesResponse struct {
	Messages []*MessageView `json:"messages"`
}

type SendRequest struct {
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

type SendResponse struct {
	ConversationID     string       `json:"conversationId"`
	ClientMessageID    string       `json:"clientMessageId,omitempty"`
	UserMessage        *MessageView `json:"userMessage"`
	AssistantMessageID string       `json:"assistantMessageId"`
}

type StopResponse struct {
	Stopped   bool   `json:"stopped"`
	MessageID string `json:"messageId,omitempty"`
}

type ErrorResponse struct {
	Code      string `json:"code"`
	Error     string `json:"error"`
	MessageID string `json:"messageId,omitempty"`
}
