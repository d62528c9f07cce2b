package generation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"stream-chat/pkg/logger"
	"stream-chat/pkg/protocol"
	"stream-chat/services/chat-service/internal/domain"
	"stream-chat/services/chat-service/internal/hub"
	"stream-chat/services/chat-service/internal/infrastructure/persistence/memory"
)

const waitTimeout = 3 * time.Second

// scriptGen forwards whatever the test writes to in.
type scriptGen struct {
	in  chan *domain.Fragment
	err error

	mu   sync.Mutex
	reqs []*domain.GenerateRequest
}

func newScriptGen() *scriptGen {
	return &scriptGen{in: make(chan *domain.Fragment)}
}

func (g *scriptGen) Generate(ctx context.Context, req *domain.GenerateRequest) (<-chan *domain.Fragment, error) {
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	out := make(chan *domain.Fragment)
	go func() {
		defer close(out)
		for {
			select {
			case f, ok := <-g.in:
				if !ok {
					return
				}
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// emit hands one fragment to the backend, failing the test if nobody takes it.
func (g *scriptGen) emit(t *testing.T, f *domain.Fragment) {
	t.Helper()
	select {
	case g.in <- f:
	case <-time.After(waitTimeout):
		t.Fatal("backend fragment not consumed")
	}
}

type recorder struct {
	id     string
	frames chan protocol.ServerFrame
}

func newRecorder(id string) *recorder {
	return &recorder{id: id, frames: make(chan protocol.ServerFrame, 256)}
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(data []byte) error {
	f, err := protocol.DecodeServer(data)
	if err != nil {
		return err
	}
	r.frames <- f
	return nil
}

func (r *recorder) next(t *testing.T) protocol.ServerFrame {
	t.Helper()
	select {
	case f := <-r.frames:
		return f
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
		return protocol.ServerFrame{}
	}
}

// until collects frames up to and including the first one of frameType.
func (r *recorder) until(t *testing.T, frameType string) []protocol.ServerFrame {
	t.Helper()
	var out []protocol.ServerFrame
	for {
		f := r.next(t)
		out = append(out, f)
		if f.Type == frameType {
			return out
		}
	}
}

func (r *recorder) expectNothing(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case f := <-r.frames:
		t.Fatalf("unexpected event %+v", f)
	case <-time.After(d):
	}
}

type failingStore struct {
	*memory.Store
	failUpdate bool
}

func (s *failingStore) UpdateMessageContent(ctx context.Context, id, content string, cost int) error {
	if s.failUpdate {
		return errors.New("disk full")
	}
	return s.Store.UpdateMessageContent(ctx, id, content, cost)
}

type outcomeLog struct {
	mu       sync.Mutex
	outcomes []*domain.GenerationOutcome
}

func (o *outcomeLog) PublishOutcome(ctx context.Context, out *domain.GenerationOutcome) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, out)
	return nil
}

// wait returns the first outcome; it is published after the terminal event.
func (o *outcomeLog) wait(t *testing.T) *domain.GenerationOutcome {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		o.mu.Lock()
		if len(o.outcomes) > 0 {
			out := o.outcomes[0]
			o.mu.Unlock()
			return out
		}
		o.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no outcome published")
	return nil
}

type lenCounter struct{}

func (lenCounter) Count(text string) int { return len(strings.Fields(text)) }

type fixture struct {
	repo     domain.ChatRepository
	gen      *scriptGen
	hub      *hub.Hub
	mgr      *Manager
	sub      *recorder
	outcomes *outcomeLog
	convID   string
}

func newFixture(t *testing.T, repo domain.ChatRepository, opts Options) *fixture {
	t.Helper()
	if repo == nil {
		repo = memory.NewStore()
	}
	if opts.StatusText == "" {
		opts.StatusText = "Thinking..."
	}
	h := hub.New(0, logger.Nop(), nil)
	gen := newScriptGen()
	outcomes := &outcomeLog{}
	mgr := NewManager(Dependencies{
		Repo:       repo,
		Generator:  gen,
		Dispatcher: h,
		Outcomes:   outcomes,
	}, opts, logger.Nop())

	conv := &domain.Conversation{UserID: "u1"}
	if err := repo.CreateConversation(context.Background(), conv); err != nil {
		t.Fatal(err)
	}
	sub := newRecorder("conn-1")
	h.Subscribe(sub, conv.ID)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return &fixture{repo: repo, gen: gen, hub: h, mgr: mgr, sub: sub, outcomes: outcomes, convID: conv.ID}
}

func (f *fixture) start(t *testing.T, content string) *StartResult {
	t.Helper()
	res, err := f.mgr.Start(context.Background(), StartRequest{ConversationID: f.convID, UserID: "u1", Content: content})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return res
}

func TestSendStreamsAndPersists(t *testing.T) {
	f := newFixture(t, nil, Options{})
	res := f.start(t, "Hello")

	f.gen.emit(t, &domain.Fragment{Content: "Hel"})
	f.gen.emit(t, &domain.Fragment{Content: "lo there"})
	close(f.gen.in)

	frames := f.sub.until(t, protocol.TypeComplete)
	wantTypes := []string{
		protocol.TypeUserMessage,
		protocol.TypeGenerationStart,
		protocol.TypeStatus,
		protocol.TypeChunk,
		protocol.TypeChunk,
		protocol.TypeComplete,
	}
	if len(frames) != len(wantTypes) {
		t.Fatalf("got %d frames, want %d: %+v", len(frames), len(wantTypes), frames)
	}
	var streamed strings.Builder
	for i, fr := range frames {
		if fr.Type != wantTypes[i] {
			t.Fatalf("frame %d: got %s, want %s", i, fr.Type, wantTypes[i])
		}
		if fr.Type == protocol.TypeChunk {
			if fr.MessageID != res.AssistantMessageID {
				t.Fatalf("chunk for %s, want %s", fr.MessageID, res.AssistantMessageID)
			}
			streamed.WriteString(fr.Fragment)
		}
	}
	if frames[0].Message == nil || frames[0].Message.Content != "Hello" {
		t.Fatalf("userMessage frame should carry the message: %+v", frames[0])
	}
	if frames[1].MessageID != res.AssistantMessageID {
		t.Fatalf("generationStart carries %s, want %s", frames[1].MessageID, res.AssistantMessageID)
	}

	msg, err := f.repo.GetMessage(context.Background(), res.AssistantMessageID)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Content != streamed.String() || msg.Content != "Hello there" {
		t.Fatalf("persisted %q, streamed %q", msg.Content, streamed.String())
	}
	if got := f.outcomes.wait(t); got.Outcome != domain.OutcomeCompleted || got.Chunks != 2 {
		t.Fatalf("unexpected outcome %+v", got)
	}
}

func TestStopAfterFirstChunk(t *testing.T) {
	f := newFixture(t, nil, Options{StopDrainTimeout: 100 * time.Millisecond})
	res := f.start(t, "Tell me a story")

	f.gen.emit(t, &domain.Fragment{Content: "Once"})
	f.sub.until(t, protocol.TypeChunk)

	if _, ok := f.mgr.Stop(f.convID); !ok {
		t.Fatal("stop should find the active session")
	}

	frames := f.sub.until(t, protocol.TypeComplete)
	for _, fr := range frames {
		if fr.Type == protocol.TypeError {
			t.Fatalf("stop must complete, got error %+v", fr)
		}
	}
	f.sub.expectNothing(t, 100*time.Millisecond)

	msg, _ := f.repo.GetMessage(context.Background(), res.AssistantMessageID)
	if msg.Content != "Once" {
		t.Fatalf("persisted %q, want truncated content", msg.Content)
	}
	if got := f.outcomes.wait(t); got.Outcome != domain.OutcomeStopped {
		t.Fatalf("expected stopped outcome, got %+v", got)
	}
	if f.mgr.Active(f.convID) != nil {
		t.Fatal("session should be released")
	}
}

// lingerGen emits head, and once cancelled waits delay before emitting tail.
type lingerGen struct {
	head, tail string
	delay      time.Duration
}

func (g lingerGen) Generate(ctx context.Context, req *domain.GenerateRequest) (<-chan *domain.Fragment, error) {
	out := make(chan *domain.Fragment)
	go func() {
		defer close(out)
		out <- &domain.Fragment{Content: g.head}
		<-ctx.Done()
		time.Sleep(g.delay)
		out <- &domain.Fragment{Content: g.tail}
	}()
	return out, nil
}

func TestStopAppliesInFlightFragments(t *testing.T) {
	f := newFixture(t, nil, Options{StopDrainTimeout: time.Second})
	f.mgr.deps.Generator = lingerGen{head: "Once", tail: " upon"}
	res := f.start(t, "Tell me a story")
	f.sub.until(t, protocol.TypeChunk)

	if _, ok := f.mgr.Stop(f.convID); !ok {
		t.Fatal("stop should find the active session")
	}

	var streamed strings.Builder
	streamed.WriteString("Once")
	for _, fr := range f.sub.until(t, protocol.TypeComplete) {
		if fr.Type == protocol.TypeChunk {
			streamed.WriteString(fr.Fragment)
		}
	}
	msg, _ := f.repo.GetMessage(context.Background(), res.AssistantMessageID)
	if msg.Content != "Once upon" || msg.Content != streamed.String() {
		t.Fatalf("persisted %q, streamed %q", msg.Content, streamed.String())
	}
	got := f.outcomes.wait(t)
	if got.Outcome != domain.OutcomeStopped || got.Chunks != 2 {
		t.Fatalf("unexpected outcome %+v", got)
	}
	if res.Session.State() != StateStopped {
		t.Fatalf("state %s, want stopped", res.Session.State())
	}
}

func TestStopIgnoresFragmentsAfterDrainTimeout(t *testing.T) {
	f := newFixture(t, nil, Options{StopDrainTimeout: 50 * time.Millisecond})
	f.mgr.deps.Generator = lingerGen{head: "Once", tail: " late", delay: 300 * time.Millisecond}
	res := f.start(t, "Tell me a story")
	f.sub.until(t, protocol.TypeChunk)

	f.mgr.Stop(f.convID)
	for _, fr := range f.sub.until(t, protocol.TypeComplete) {
		if fr.Type == protocol.TypeChunk {
			t.Fatalf("chunk after drain timeout: %+v", fr)
		}
	}
	f.sub.expectNothing(t, 400*time.Millisecond)

	msg, _ := f.repo.GetMessage(context.Background(), res.AssistantMessageID)
	if msg.Content != "Once" {
		t.Fatalf("persisted %q, want %q", msg.Content, "Once")
	}
}

// gateSub blocks every delivery until release is closed.
type gateSub struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateSub) ID() string { return "slow" }

func (g *gateSub) Deliver(data []byte) error {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return nil
}

func TestSlowDeliveryDoesNotBlockStop(t *testing.T) {
	f := newFixture(t, nil, Options{})
	res := f.start(t, "Hello")

	slow := &gateSub{entered: make(chan struct{}), release: make(chan struct{})}
	f.hub.Subscribe(slow, f.convID)
	defer func() {
		select {
		case <-slow.release:
		default:
			close(slow.release)
		}
	}()

	f.gen.emit(t, &domain.Fragment{Content: "A"})
	select {
	case <-slow.entered:
	case <-time.After(waitTimeout):
		t.Fatal("chunk never reached the slow subscriber")
	}

	stopped := make(chan bool, 1)
	go func() {
		_, ok := f.mgr.Stop(f.convID)
		stopped <- ok
	}()
	select {
	case ok := <-stopped:
		if !ok {
			t.Fatal("stop should find the active session")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("stop blocked behind a slow delivery")
	}
	if got := res.Session.Content(); got != "A" {
		t.Fatalf("content %q, want %q", got, "A")
	}

	close(slow.release)
	f.sub.until(t, protocol.TypeComplete)
	select {
	case <-res.Session.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session did not finish")
	}
}

func TestEmptyResponseIsAnError(t *testing.T) {
	f := newFixture(t, nil, Options{})
	res := f.start(t, "Hello")
	close(f.gen.in)

	frames := f.sub.until(t, protocol.TypeError)
	for _, fr := range frames {
		if fr.Type == protocol.TypeComplete {
			t.Fatal("an empty response must not complete")
		}
	}
	last := frames[len(frames)-1]
	if last.MessageID != res.AssistantMessageID || last.Reason != ReasonEmptyResponse {
		t.Fatalf("unexpected error frame %+v", last)
	}
	if got := f.outcomes.wait(t); got.Outcome != domain.OutcomeErrored {
		t.Fatalf("expected errored outcome, got %+v", got)
	}
	if res.Session.State() != StateErrored {
		t.Fatalf("state %s, want errored", res.Session.State())
	}
}

func TestStopWaitsOnDone(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.start(t, "Hi")

	s, ok := f.mgr.Stop(f.convID)
	if !ok {
		t.Fatal("expected a session to stop")
	}
	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session did not finish after stop")
	}
	if s.State() != StateStopped {
		t.Fatalf("state %s, want stopped", s.State())
	}
	if _, ok := f.mgr.Stop(f.convID); ok {
		t.Fatal("second stop should be a no-op")
	}
}

func TestSecondSendIsRejected(t *testing.T) {
	f := newFixture(t, nil, Options{})
	first := f.start(t, "one")

	_, err := f.mgr.Start(context.Background(), StartRequest{ConversationID: f.convID, UserID: "u1", Content: "two"})
	if !errors.Is(err, domain.ErrGenerationActive) {
		t.Fatalf("expected ErrGenerationActive, got %v", err)
	}
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) || conflict.MessageID != first.AssistantMessageID {
		t.Fatalf("conflict should name the running message, got %v", err)
	}

	f.gen.emit(t, &domain.Fragment{Content: "done"})
	close(f.gen.in)
	f.sub.until(t, protocol.TypeComplete)

	msg, _ := f.repo.GetMessage(context.Background(), first.AssistantMessageID)
	if msg.Content != "done" {
		t.Fatalf("first generation affected by rejected send: %q", msg.Content)
	}

	msgs, _ := f.repo.ListMessages(context.Background(), f.convID, 0, 0)
	if len(msgs) != 2 {
		t.Fatalf("rejected send must not persist anything, have %d messages", len(msgs))
	}

	// the slot is free again
	f.gen.in = make(chan *domain.Fragment)
	f.start(t, "three")
}

func TestStopWithoutSessionIsNoop(t *testing.T) {
	f := newFixture(t, nil, Options{})
	if s, ok := f.mgr.Stop(f.convID); ok || s != nil {
		t.Fatal("stop on idle conversation should do nothing")
	}
	f.sub.expectNothing(t, 100*time.Millisecond)
}

func TestFinalizeFailureIsNotComplete(t *testing.T) {
	store := &failingStore{Store: memory.NewStore()}
	f := newFixture(t, store, Options{})
	res := f.start(t, "Hello")

	f.gen.emit(t, &domain.Fragment{Content: "Hi"})
	store.failUpdate = true
	close(f.gen.in)

	frames := f.sub.until(t, protocol.TypeError)
	for _, fr := range frames {
		if fr.Type == protocol.TypeComplete {
			t.Fatal("complete must not be published when the final write fails")
		}
	}
	last := frames[len(frames)-1]
	if last.MessageID != res.AssistantMessageID || last.Reason == "" {
		t.Fatalf("unexpected error frame %+v", last)
	}
	if got := f.outcomes.wait(t); got.Outcome != domain.OutcomeErrored {
		t.Fatalf("expected errored outcome, got %+v", got)
	}
}

func TestBackendErrorKeepsPartialContent(t *testing.T) {
	f := newFixture(t, nil, Options{StopDrainTimeout: 50 * time.Millisecond})
	res := f.start(t, "Hello")

	f.gen.emit(t, &domain.Fragment{Content: "Par"})
	f.gen.emit(t, &domain.Fragment{Err: errors.New("model overloaded")})

	frames := f.sub.until(t, protocol.TypeError)
	last := frames[len(frames)-1]
	if last.Reason != "model overloaded" {
		t.Fatalf("unexpected reason %q", last.Reason)
	}
	msg, _ := f.repo.GetMessage(context.Background(), res.AssistantMessageID)
	if msg.Content != "Par" {
		t.Fatalf("partial content should be kept, got %q", msg.Content)
	}
}

func TestGenerateFailure(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.gen.err = errors.New("backend unreachable")

	res := f.start(t, "Hello")
	frames := f.sub.until(t, protocol.TypeError)
	if last := frames[len(frames)-1]; last.MessageID != res.AssistantMessageID {
		t.Fatalf("error should reference %s, got %+v", res.AssistantMessageID, last)
	}
	select {
	case <-res.Session.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session not finished")
	}
	if f.mgr.Active(f.convID) != nil {
		t.Fatal("failed session should be released")
	}
}

func TestLateSubscriberGetsSnapshot(t *testing.T) {
	f := newFixture(t, nil, Options{})
	res := f.start(t, "Hello")

	f.gen.emit(t, &domain.Fragment{Content: "Hel"})
	f.sub.until(t, protocol.TypeChunk)

	late := newRecorder("conn-2")
	added, err := f.mgr.SubscribeWithSnapshot(late, f.convID)
	if err != nil || !added {
		t.Fatalf("subscribe: added=%v err=%v", added, err)
	}
	snap := late.next(t)
	if snap.Type != protocol.TypeSnapshot || snap.Content != "Hel" || snap.MessageID != res.AssistantMessageID {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	f.gen.emit(t, &domain.Fragment{Content: "lo"})
	close(f.gen.in)
	frames := late.until(t, protocol.TypeComplete)
	if len(frames) != 2 || frames[0].Fragment != "lo" {
		t.Fatalf("late subscriber frames %+v", frames)
	}
}

func TestSnapshotWithoutSession(t *testing.T) {
	f := newFixture(t, nil, Options{})
	if _, _, ok := f.mgr.Snapshot(f.convID); ok {
		t.Fatal("no snapshot without a session")
	}
	late := newRecorder("conn-2")
	if _, err := f.mgr.SubscribeWithSnapshot(late, f.convID); err != nil {
		t.Fatal(err)
	}
	late.expectNothing(t, 50*time.Millisecond)
}

func TestStatusOnlyBeforeFirstChunk(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.start(t, "Hello")
	f.sub.until(t, protocol.TypeStatus)

	f.gen.emit(t, &domain.Fragment{Status: "Searching..."})
	if fr := f.sub.next(t); fr.Type != protocol.TypeStatus || fr.Text != "Searching..." {
		t.Fatalf("expected backend status, got %+v", fr)
	}
	f.gen.emit(t, &domain.Fragment{Content: "A"})
	f.gen.emit(t, &domain.Fragment{Status: "Still thinking"})
	f.gen.emit(t, &domain.Fragment{Content: "B"})
	close(f.gen.in)

	for _, fr := range f.sub.until(t, protocol.TypeComplete) {
		if fr.Type == protocol.TypeStatus {
			t.Fatalf("status after first chunk: %+v", fr)
		}
	}
}

func TestGenerationTimeout(t *testing.T) {
	f := newFixture(t, nil, Options{GenerationTimeout: 50 * time.Millisecond, StopDrainTimeout: 50 * time.Millisecond})
	f.start(t, "Hello")

	frames := f.sub.until(t, protocol.TypeError)
	if last := frames[len(frames)-1]; last.Reason != "generation timed out" {
		t.Fatalf("unexpected reason %q", last.Reason)
	}
}

func TestShutdownStopsSessions(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.start(t, "Hello")

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := f.mgr.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	f.sub.until(t, protocol.TypeComplete)

	_, err := f.mgr.Start(context.Background(), StartRequest{ConversationID: f.convID, UserID: "u1", Content: "again"})
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

type denyLocker struct{}

func (denyLocker) Acquire(ctx context.Context, conversationID, owner string) (bool, error) {
	return false, nil
}

func (denyLocker) Release(ctx context.Context, conversationID, owner string) error { return nil }

func TestDistributedLockConflict(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.mgr.deps.Locker = denyLocker{}

	_, err := f.mgr.Start(context.Background(), StartRequest{ConversationID: f.convID, UserID: "u1", Content: "Hi"})
	if !errors.Is(err, domain.ErrGenerationActive) {
		t.Fatalf("expected ErrGenerationActive, got %v", err)
	}
	if f.mgr.Active(f.convID) != nil {
		t.Fatal("reservation should be released")
	}
	f.sub.expectNothing(t, 50*time.Millisecond)
}

func TestTokenCostRecorded(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.mgr.deps.Tokens = lenCounter{}
	res := f.start(t, "how are you")

	if res.UserMessage.TokenCost != 3 {
		t.Fatalf("user token cost %d, want 3", res.UserMessage.TokenCost)
	}
	f.gen.emit(t, &domain.Fragment{Content: "fine thanks"})
	close(f.gen.in)
	f.sub.until(t, protocol.TypeComplete)

	msg, _ := f.repo.GetMessage(context.Background(), res.AssistantMessageID)
	if msg.TokenCost != 2 {
		t.Fatalf("assistant token cost %d, want 2", msg.TokenCost)
	}
}

func TestStartUnknownConversation(t *testing.T) {
	f := newFixture(t, nil, Options{})
	_, err := f.mgr.Start(context.Background(), StartRequest{ConversationID: "missing", UserID: "u1", Content: "Hi"})
	if !errors.Is(err, domain.ErrPersistence) || !errors.Is(err, domain.ErrConversationNotFound) {
		t.Fatalf("expected persistence + not found, got %v", err)
	}
	if f.mgr.Active("missing") != nil {
		t.Fatal("reservation should be released")
	}
}
