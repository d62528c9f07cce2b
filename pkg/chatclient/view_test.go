package chatclient

import (
	"testing"
	"time"

	"stream-chat/pkg/protocol"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestView() (*View, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewView("c1", ViewConfig{StatusTTL: 5 * time.Second, Now: clock.Now}), clock
}

func ev(typ string, mutate ...func(*protocol.ServerFrame)) protocol.ServerFrame {
	f := protocol.ServerFrame{Type: typ, ConversationID: "c1"}
	for _, m := range mutate {
		m(&f)
	}
	return f
}

func withMsg(id string) func(*protocol.ServerFrame) {
	return func(f *protocol.ServerFrame) { f.MessageID = id }
}

func chunk(id, fragment string) protocol.ServerFrame {
	return ev(protocol.TypeChunk, withMsg(id), func(f *protocol.ServerFrame) { f.Fragment = fragment })
}

func TestViewStatusRule(t *testing.T) {
	v, clock := newTestView()
	v.Apply(ev(protocol.TypeGenerationStart, withMsg("a1")))
	v.Apply(ev(protocol.TypeStatus, func(f *protocol.ServerFrame) { f.Text = "Thinking..." }))
	if got := v.Status(); got != "Thinking..." {
		t.Fatalf("status %q", got)
	}

	clock.Advance(5 * time.Second)
	if got := v.Status(); got != "" {
		t.Fatalf("status should expire, got %q", got)
	}

	v.Apply(ev(protocol.TypeStatus, func(f *protocol.ServerFrame) { f.Text = "Searching..." }))
	if got := v.Status(); got != "Searching..." {
		t.Fatalf("superseding status %q", got)
	}

	v.Apply(chunk("a1", "Hel"))
	if got := v.Status(); got != "" {
		t.Fatalf("first chunk must clear status, got %q", got)
	}
	v.Apply(ev(protocol.TypeStatus, func(f *protocol.ServerFrame) { f.Text = "late" }))
	if got := v.Status(); got != "" {
		t.Fatalf("status after first chunk must be ignored, got %q", got)
	}
	if v.Phase() != PhaseStreaming {
		t.Fatalf("phase %s", v.Phase())
	}
}

func TestViewKeepsBufferUntilPersisted(t *testing.T) {
	v, _ := newTestView()
	v.Apply(ev(protocol.TypeGenerationStart, withMsg("a1")))
	v.Apply(chunk("a1", "Hello "))
	v.Apply(chunk("a1", "world"))

	if confirm := v.Apply(ev(protocol.TypeComplete, withMsg("a1"))); confirm != "a1" {
		t.Fatalf("complete should ask to confirm a1, got %q", confirm)
	}
	if v.Phase() != PhaseCompleted {
		t.Fatalf("phase %s", v.Phase())
	}

	// a stale read of the placeholder must not blank the message
	v.Ingest(&protocol.MessageView{ID: "a1", ConversationID: "c1", Role: "assistant"})
	entries := v.Entries()
	if len(entries) != 1 || entries[0].Content != "Hello world" || entries[0].Kind != EntryStreaming {
		t.Fatalf("unexpected entries %+v", entries)
	}

	v.Ingest(&protocol.MessageView{ID: "a1", ConversationID: "c1", Role: "assistant", Content: "Hello world"})
	if _, ok := v.Streamed("a1"); ok {
		t.Fatal("buffer should be discarded once content is persisted")
	}
	entries = v.Entries()
	if len(entries) != 1 || entries[0].Kind != EntryPersisted || entries[0].Content != "Hello world" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestViewEmptyResponseIsDiscarded(t *testing.T) {
	v, _ := newTestView()
	v.Apply(ev(protocol.TypeGenerationStart, withMsg("a1")))
	v.Apply(ev(protocol.TypeComplete, withMsg("a1")))
	v.Ingest(&protocol.MessageView{ID: "a1", ConversationID: "c1", Role: "assistant"})
	if _, ok := v.Streamed("a1"); ok {
		t.Fatal("an empty finished buffer should not be kept")
	}
	entries := v.Entries()
	if len(entries) != 1 || entries[0].Content != "" || entries[0].Kind != EntryPersisted {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestViewOptimisticReplacedByUserMessage(t *testing.T) {
	v, _ := newTestView()
	v.Ingest(
		&protocol.MessageView{ID: "u0", Role: "user", Content: "earlier", CreatedAt: time.Unix(1, 0)},
		&protocol.MessageView{ID: "a0", Role: "assistant", Content: "reply", CreatedAt: time.Unix(2, 0)},
	)
	o := v.AddOptimistic("new question")
	if o.Ordinal != 2 {
		t.Fatalf("ordinal %d", o.Ordinal)
	}
	entries := v.Entries()
	if last := entries[len(entries)-1]; last.Kind != EntryOptimistic || last.Content != "new question" {
		t.Fatalf("optimistic entry missing: %+v", entries)
	}

	v.Apply(ev(protocol.TypeUserMessage, withMsg("u1"), func(f *protocol.ServerFrame) {
		f.Message = &protocol.MessageView{ID: "u1", ConversationID: "c1", Role: "user", Content: "new question", CreatedAt: time.Unix(3, 0)}
	}))
	entries = v.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %+v", entries)
	}
	for _, e := range entries {
		if e.Kind == EntryOptimistic {
			t.Fatalf("optimistic entry should be gone: %+v", entries)
		}
	}
}

func TestViewDropOptimistic(t *testing.T) {
	v, _ := newTestView()
	o := v.AddOptimistic("rejected")
	v.DropOptimistic(o.LocalID)
	if entries := v.Entries(); len(entries) != 0 {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestViewSnapshotThenChunks(t *testing.T) {
	v, _ := newTestView()
	// joined mid-stream: no generationStart seen
	v.Apply(ev(protocol.TypeSnapshot, withMsg("a1"), func(f *protocol.ServerFrame) { f.Content = "Hello " }))
	v.Apply(chunk("a1", "world"))
	if got, _ := v.Streamed("a1"); got != "Hello world" {
		t.Fatalf("streamed %q", got)
	}
	if v.ActiveMessageID() != "a1" || !v.Generating() {
		t.Fatalf("view should follow a1, phase %s", v.Phase())
	}

	// a reconnect resubscribes and gets the full content again
	v.Apply(ev(protocol.TypeSnapshot, withMsg("a1"), func(f *protocol.ServerFrame) { f.Content = "Hello world!" }))
	v.Apply(chunk("a1", "!!"))
	if got, _ := v.Streamed("a1"); got != "Hello world!!!" {
		t.Fatalf("streamed %q", got)
	}
}

func TestViewError(t *testing.T) {
	v, _ := newTestView()
	v.Apply(ev(protocol.TypeGenerationStart, withMsg("a1")))
	v.Apply(chunk("a1", "partial"))
	if confirm := v.Apply(ev(protocol.TypeError, withMsg("a1"), func(f *protocol.ServerFrame) { f.Reason = "backend failed" })); confirm != "a1" {
		t.Fatalf("confirm %q", confirm)
	}
	if v.Phase() != PhaseErrored {
		t.Fatalf("phase %s", v.Phase())
	}
	entries := v.Entries()
	if len(entries) != 1 || entries[0].Content != "partial" || entries[0].Error != "backend failed" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	// chunks after the terminal event are ignored
	v.Apply(chunk("a1", "more"))
	if got, _ := v.Streamed("a1"); got != "partial" {
		t.Fatalf("streamed %q", got)
	}
}

func TestViewResyncSettlesMissedCompletion(t *testing.T) {
	v, _ := newTestView()
	v.Apply(ev(protocol.TypeGenerationStart, withMsg("a1")))
	v.Apply(chunk("a1", "abc"))

	// reconnected after the session finished: resync finds nothing running
	confirm := v.Apply(ev(protocol.TypeSnapshot, func(f *protocol.ServerFrame) { f.OK = protocol.Bool(false) }))
	if confirm != "a1" || v.Phase() != PhaseCompleted {
		t.Fatalf("confirm %q phase %s", confirm, v.Phase())
	}
}

func TestViewIgnoresOtherConversations(t *testing.T) {
	v, _ := newTestView()
	f := chunk("a1", "x")
	f.ConversationID = "other"
	v.Apply(f)
	if _, ok := v.Streamed("a1"); ok {
		t.Fatal("frame of another conversation applied")
	}
}
