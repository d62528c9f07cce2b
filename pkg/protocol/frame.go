// Package protocol defines the JSON frames exchanged over the chat WebSocket.
package protocol

import (
	"encoding/json"
	"time"
)

// client -> server
const (
	TypeHello       = "hello"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSend        = "send"
	TypeStop        = "stop"
	TypeResync      = "resync"
)

// server -> client replies
const (
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeAck          = "ack"
	TypeStopped      = "stopped"
	TypeError        = "error"
)

// server -> client events
const (
	TypeStatus          = "status"
	TypeUserMessage     = "userMessage"
	TypeGenerationStart = "generationStart"
	TypeChunk           = "chunk"
	TypeComplete        = "complete"
	TypeSnapshot        = "snapshot"
)

// error codes
const (
	CodeGenerationActive  = "generation_active"
	CodeNotFound          = "not_found"
	CodeForbidden         = "forbidden"
	CodeInvalidRequest    = "invalid_request"
	CodeHandshakeRequired = "handshake_required"
	CodeUnauthenticated   = "unauthenticated"
	CodeInternal          = "internal"
)

// CloseSuperseded is the close code sent to a connection replaced by a newer
// one for the same client session.
const CloseSuperseded = 4001

// CloseUnauthorized is the close code sent after a rejected hello.
const CloseUnauthorized = 4401

type ClientFrame struct {
	ID              string `json:"id,omitempty"`
	Type            string `json:"type"`
	Token           string `json:"token,omitempty"`
	ClientSessionID string `json:"clientSessionId,omitempty"`
	ConversationID  string `json:"conversationId,omitempty"`
	Content         string `json:"content,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

type MessageView struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	TokenCost      int       `json:"tokenCost"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ServerFrame is both the reply to a client frame (ID echoes the request) and
// the envelope of conversation events (ID empty).
type ServerFrame struct {
	ID              string       `json:"id,omitempty"`
	Type            string       `json:"type"`
	OK              *bool        `json:"ok,omitempty"`
	ConversationID  string       `json:"conversationId,omitempty"`
	MessageID       string       `json:"messageId,omitempty"`
	ClientMessageID string       `json:"clientMessageId,omitempty"`
	Text            string       `json:"text,omitempty"`
	Fragment        string       `json:"fragment,omitempty"`
	Content         string       `json:"content,omitempty"`
	Reason          string       `json:"reason,omitempty"`
	Message         *MessageView `json:"message,omitempty"`
	Code            string       `json:"code,omitempty"`
	Error           string       `json:"error,omitempty"`
	UserID          string       `json:"userId,omitempty"`
}

// IsEvent reports whether f is a conversation event rather than a reply.
func (f *ServerFrame) IsEvent() bool {
	switch f.Type {
	case TypeStatus, TypeUserMessage, TypeGenerationStart, TypeChunk, TypeComplete, TypeSnapshot:
		return true
	case TypeError:
		return f.ID == "" && f.MessageID != ""
	}
	return false
}

func Bool(b bool) *bool {
	return &b
}

func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func DecodeClient(data []byte) (ClientFrame, error) {
	var f ClientFrame
	err := json.Unmarshal(data, &f)
	return f, err
}

func DecodeServer(data []byte) (ServerFrame, error) {
	var f ServerFrame
	err := json.Unmarshal(data, &f)
	return f, err
}
