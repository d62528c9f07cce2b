package chatclient

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"stream-chat/pkg/protocol"
)

// Phase mirrors the server-side generation state of a conversation.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseStreaming
	PhaseCompleted
	PhaseErrored
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseStreaming:
		return "streaming"
	case PhaseCompleted:
		return "completed"
	case PhaseErrored:
		return "errored"
	}
	return "unknown"
}

const DefaultStatusTTL = 10 * time.Second

type ViewConfig struct {
	// StatusTTL hides a status text that was not superseded in time.
	StatusTTL time.Duration
	Now       func() time.Time
}

type stream struct {
	content  string
	err      string
	finished bool
}

// View is the client state of one conversation. Server frames go through
// Apply, durable reads through Ingest; Entries renders the result.
type View struct {
	conversationID string
	statusTTL      time.Duration
	now            func() time.Time

	mu         sync.Mutex
	phase      Phase
	active     string
	status     string
	statusAt   time.Time
	statusDone bool // first chunk of the active session seen
	persisted  []*protocol.MessageView
	streams    map[string]*stream
	order      []string
	optimistic []Optimistic
	localSeq   int
}

func NewView(conversationID string, cfg ViewConfig) *View {
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = DefaultStatusTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &View{
		conversationID: conversationID,
		statusTTL:      cfg.StatusTTL,
		now:            cfg.Now,
		streams:        make(map[string]*stream),
	}
}

func (v *View) ConversationID() string {
	return v.conversationID
}

// Apply feeds one server frame to the view. It returns the ID of a message
// whose final content should now be read from the durable store, or "".
func (v *View) Apply(f protocol.ServerFrame) (confirm string) {
	if f.ConversationID != "" && f.ConversationID != v.conversationID {
		return ""
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	switch f.Type {
	case protocol.TypeUserMessage, protocol.TypeAck:
		if f.Message != nil {
			v.ingestLocked(f.Message)
		}
	case protocol.TypeGenerationStart:
		v.beginLocked(f.MessageID)
	case protocol.TypeStatus:
		if v.phase == PhaseStarting && !v.statusDone {
			v.status = f.Text
			v.statusAt = v.now()
		}
	case protocol.TypeChunk:
		s := v.streamFor(f.MessageID)
		if s == nil || s.finished {
			return ""
		}
		s.content += f.Fragment
		v.phase = PhaseStreaming
		v.clearStatusLocked()
	case protocol.TypeSnapshot:
		if f.MessageID == "" {
			// resync found nothing running: a session we saw ended while
			// we were not listening
			if f.OK != nil && !*f.OK && (v.phase == PhaseStarting || v.phase == PhaseStreaming) {
				id := v.active
				v.endLocked(id, PhaseCompleted, "")
				return id
			}
			return ""
		}
		s := v.streamFor(f.MessageID)
		if s == nil || s.finished {
			return ""
		}
		// a snapshot carries everything so far
		s.content = f.Content
		if f.Content != "" {
			v.phase = PhaseStreaming
			v.clearStatusLocked()
		}
	case protocol.TypeComplete:
		v.endLocked(f.MessageID, PhaseCompleted, "")
		return f.MessageID
	case protocol.TypeError:
		if f.MessageID == "" {
			return ""
		}
		v.endLocked(f.MessageID, PhaseErrored, f.Reason)
		return f.MessageID
	}
	return ""
}

// streamFor returns the buffer of messageID, adopting it as the active
// session when it is new (a subscriber that joined mid-stream).
func (v *View) streamFor(messageID string) *stream {
	if messageID == "" {
		return nil
	}
	if s, ok := v.streams[messageID]; ok {
		return s
	}
	if v.isPersistedLocked(messageID) {
		return nil
	}
	v.beginLocked(messageID)
	return v.streams[messageID]
}

func (v *View) beginLocked(messageID string) {
	if messageID == "" {
		return
	}
	v.active = messageID
	v.phase = PhaseStarting
	v.status = ""
	v.statusDone = false
	if _, ok := v.streams[messageID]; !ok {
		v.streams[messageID] = &stream{}
		v.order = append(v.order, messageID)
	}
}

func (v *View) endLocked(messageID string, phase Phase, reason string) {
	s, ok := v.streams[messageID]
	if !ok {
		s = &stream{}
		v.streams[messageID] = s
		v.order = append(v.order, messageID)
	}
	s.finished = true
	s.err = reason
	if messageID == v.active || v.active == "" {
		v.active = messageID
		v.phase = phase
		v.clearStatusLocked()
	}
	v.dropSettledLocked(messageID)
}

func (v *View) clearStatusLocked() {
	v.status = ""
	v.statusDone = true
}

// Ingest merges messages read from the durable store.
func (v *View) Ingest(msgs ...*protocol.MessageView) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, m := range msgs {
		v.ingestLocked(m)
	}
}

func (v *View) ingestLocked(m *protocol.MessageView) {
	if m == nil || (m.ConversationID != "" && m.ConversationID != v.conversationID) {
		return
	}
	cp := *m
	replaced := false
	for i, p := range v.persisted {
		if p.ID == cp.ID {
			v.persisted[i] = &cp
			replaced = true
			break
		}
	}
	if !replaced {
		v.persisted = append(v.persisted, &cp)
		sort.SliceStable(v.persisted, func(i, j int) bool {
			a, b := v.persisted[i], v.persisted[j]
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		})
	}

	if cp.Content != "" {
		// 持久化内容非空, 流式缓存才可以丢弃
		v.dropStreamLocked(cp.ID)
		if cp.ID == v.active && (v.phase == PhaseStarting || v.phase == PhaseStreaming) {
			v.phase = PhaseCompleted
			v.clearStatusLocked()
		}
	} else {
		v.dropSettledLocked(cp.ID)
	}

	users := v.persistedUsersLocked()
	kept := v.optimistic[:0]
	for _, o := range v.optimistic {
		if o.Ordinal > users {
			kept = append(kept, o)
		}
	}
	v.optimistic = kept
}

// dropSettledLocked discards a finished buffer that never received content.
func (v *View) dropSettledLocked(messageID string) {
	s, ok := v.streams[messageID]
	if !ok || !s.finished || s.content != "" || s.err != "" {
		return
	}
	for _, p := range v.persisted {
		if p.ID == messageID {
			v.dropStreamLocked(messageID)
			return
		}
	}
}

func (v *View) dropStreamLocked(messageID string) {
	s, ok := v.streams[messageID]
	if !ok {
		return
	}
	if s.err != "" {
		// keep the failure reason, the content is persisted now
		s.content = ""
		return
	}
	delete(v.streams, messageID)
	for i, id := range v.order {
		if id == messageID {
			v.order = append(v.order[:i:i], v.order[i+1:]...)
			break
		}
	}
}

func (v *View) isPersistedLocked(messageID string) bool {
	for _, p := range v.persisted {
		if p.ID == messageID && p.Content != "" {
			return true
		}
	}
	return false
}

func (v *View) persistedUsersLocked() int {
	n := 0
	for _, p := range v.persisted {
		if p.Role == "user" {
			n++
		}
	}
	return n
}

// AddOptimistic records a user message that is about to be sent.
func (v *View) AddOptimistic(content string) Optimistic {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.localSeq++
	o := Optimistic{
		LocalID: fmt.Sprintf("local-%d", v.localSeq),
		Content: content,
		Ordinal: v.persistedUsersLocked() + len(v.optimistic) + 1,
	}
	v.optimistic = append(v.optimistic, o)
	return o
}

// DropOptimistic removes a message whose send was rejected.
func (v *View) DropOptimistic(localID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, o := range v.optimistic {
		if o.LocalID == localID {
			v.optimistic = append(v.optimistic[:i:i], v.optimistic[i+1:]...)
			return
		}
	}
}

func (v *View) Phase() Phase {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.phase
}

// Generating reports whether a response is in flight.
func (v *View) Generating() bool {
	p := v.Phase()
	return p == PhaseStarting || p == PhaseStreaming
}

// ActiveMessageID is the message of the current or last session.
func (v *View) ActiveMessageID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.active
}

// Status returns the status text to show, "" when there is none or it
// expired.
func (v *View) Status() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.status == "" || v.statusDone {
		return ""
	}
	if v.now().Sub(v.statusAt) >= v.statusTTL {
		return ""
	}
	return v.status
}

// Streamed returns the buffered content of messageID and whether a buffer
// is held for it.
func (v *View) Streamed(messageID string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.streams[messageID]
	if !ok {
		return "", false
	}
	return s.content, true
}

func (v *View) Entries() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	streams := make([]Stream, 0, len(v.order))
	for _, id := range v.order {
		s := v.streams[id]
		streams = append(streams, Stream{MessageID: id, Content: s.content, Error: s.err})
	}
	return Reconcile(v.persisted, streams, v.optimistic)
}
