package domain

import (
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) String() string {
	return string(r)
}

// Valid reports whether r may be stored on a message.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is one turn of a conversation. Assistant messages are created empty
// when generation starts and receive their content when it finishes.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	TokenCost      int       `json:"token_cost"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IsUser checks if the message is from a user
func (m *Message) IsUser() bool {
	return m.Role == RoleUser
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// Conversation 会话实体 (Aggregate Root)
type Conversation struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Title          string    `json:"title"`
	MessageCount   int       `json:"message_count"`
	TokenTotal     int       `json:"token_total"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
}

const maxTitleLen = 50

// SetTitle derives the title from content, cut to maxTitleLen runes.
func (c *Conversation) SetTitle(content string) {
	runes := []rune(content)
	if len(runes) > maxTitleLen {
		c.Title = string(runes[:maxTitleLen])
	} else {
		c.Title = content
	}
}

func (c *Conversation) OwnedBy(userID string) bool {
	return c != nil && c.UserID == userID
}
