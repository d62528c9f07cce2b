package domain

type EventKind string

const (
	EventStatus          EventKind = "status"
	EventUserMessage     EventKind = "userMessage"
	EventGenerationStart EventKind = "generationStart"
	EventChunk           EventKind = "chunk"
	EventComplete        EventKind = "complete"
	EventError           EventKind = "error"
	EventSnapshot        EventKind = "snapshot"
)

// Event is something that happened in a conversation and is fanned out to
// every connection subscribed to it. Only the fields of its Kind are set.
type Event struct {
	Kind           EventKind
	ConversationID string
	MessageID      string
	Text           string
	Fragment       string
	Content        string
	Reason         string
	Message        *Message
}

func StatusEvent(conversationID, text string) Event {
	return Event{Kind: EventStatus, ConversationID: conversationID, Text: text}
}

func UserMessageEvent(msg *Message) Event {
	return Event{Kind: EventUserMessage, ConversationID: msg.ConversationID, MessageID: msg.ID, Message: msg.Clone()}
}

func GenerationStartEvent(conversationID, messageID string) Event {
	return Event{Kind: EventGenerationStart, ConversationID: conversationID, MessageID: messageID}
}

func ChunkEvent(conversationID, messageID, fragment string) Event {
	return Event{Kind: EventChunk, ConversationID: conversationID, MessageID: messageID, Fragment: fragment}
}

func CompleteEvent(conversationID, messageID string) Event {
	return Event{Kind: EventComplete, ConversationID: conversationID, MessageID: messageID}
}

func ErrorEvent(conversationID, messageID, reason string) Event {
	return Event{Kind: EventError, ConversationID: conversationID, MessageID: messageID, Reason: reason}
}

// SnapshotEvent carries everything accumulated so far for an in-flight
// message, for subscribers that joined mid-stream.
func SnapshotEvent(conversationID, messageID, content string) Event {
	return Event{Kind: EventSnapshot, ConversationID: conversationID, MessageID: messageID, Content: content}
}
