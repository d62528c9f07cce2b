package chatclient

import "stream-chat/pkg/protocol"

type EntryKind int

const (
	EntryPersisted EntryKind = iota
	EntryStreaming
	EntryOptimistic
)

func (k EntryKind) String() string {
	switch k {
	case EntryPersisted:
		return "persisted"
	case EntryStreaming:
		return "streaming"
	case EntryOptimistic:
		return "optimistic"
	}
	return "unknown"
}

// Entry is one line of a conversation as it should be shown.
type Entry struct {
	ID      string
	Role    string
	Content string
	Kind    EntryKind
	// Error is the reason the message's generation failed.
	Error string
}

// Stream is content received over the wire for a message that may not be
// durably stored yet.
type Stream struct {
	MessageID string
	Content   string
	Error     string
}

// Optimistic is a user message shown before the server confirmed it.
// Ordinal is the count of persisted user messages that confirms it.
type Optimistic struct {
	LocalID string
	Content string
	Ordinal int
}

// Reconcile merges the three sources into one list, persisted order first:
// persisted content wins once it is non-empty, streamed content fills
// messages without it, and an optimistic message is shown until enough user
// messages are persisted to cover its ordinal.
func Reconcile(persisted []*protocol.MessageView, streams []Stream, optimistic []Optimistic) []Entry {
	byID := make(map[string]Stream, len(streams))
	for _, s := range streams {
		byID[s.MessageID] = s
	}

	out := make([]Entry, 0, len(persisted)+len(streams)+len(optimistic))
	seen := make(map[string]bool, len(persisted))
	users := 0
	for _, m := range persisted {
		if m == nil || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		if m.Role == "user" {
			users++
		}

		s, streamed := byID[m.ID]
		switch {
		case m.Content != "":
			out = append(out, Entry{ID: m.ID, Role: m.Role, Content: m.Content, Kind: EntryPersisted, Error: s.Error})
		case streamed:
			out = append(out, Entry{ID: m.ID, Role: m.Role, Content: s.Content, Kind: EntryStreaming, Error: s.Error})
		default:
			out = append(out, Entry{ID: m.ID, Role: m.Role, Kind: EntryPersisted})
		}
	}

	for _, o := range optimistic {
		if o.Ordinal <= users {
			continue
		}
		out = append(out, Entry{ID: o.LocalID, Role: "user", Content: o.Content, Kind: EntryOptimistic})
	}

	for _, s := range streams {
		if seen[s.MessageID] {
			continue
		}
		seen[s.MessageID] = true
		out = append(out, Entry{ID: s.MessageID, Role: "assistant", Content: s.Content, Kind: EntryStreaming, Error: s.Error})
	}
	return out
}
