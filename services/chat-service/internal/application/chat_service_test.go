package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"stream-chat/pkg/logger"
	"stream-chat/services/chat-service/internal/domain"
	"stream-chat/services/chat-service/internal/generation"
	"stream-chat/services/chat-service/internal/hub"
	"stream-chat/services/chat-service/internal/infrastructure/llm"
	"stream-chat/services/chat-service/internal/infrastructure/persistence/memory"
)

type captureGen struct {
	req *domain.GenerateRequest
}

func (g *captureGen) Generate(ctx context.Context, req *domain.GenerateRequest) (<-chan *domain.Fragment, error) {
	g.req = req
	ch := make(chan *domain.Fragment)
	close(ch)
	return ch, nil
}

func newService(t *testing.T, gen domain.Generator, historyLimit int) (*ChatService, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	mgr := generation.NewManager(generation.Dependencies{
		Repo:       store,
		Generator:  gen,
		Dispatcher: hub.New(0, logger.Nop(), nil),
	}, generation.Options{}, logger.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return NewChatService(store, mgr, historyLimit, logger.Nop()), store
}

func waitDone(t *testing.T, res *generation.StartResult) {
	t.Helper()
	select {
	case <-res.Session.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("generation did not finish")
	}
}

func TestSendCreatesConversation(t *testing.T) {
	svc, _ := newService(t, llm.NewEchoGenerator(0), 10)
	ctx := context.Background()

	conv, res, err := svc.SendMessage(ctx, "u1", "", "Hello there")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Title != "Hello there" || conv.UserID != "u1" {
		t.Fatalf("unexpected conversation %+v", conv)
	}
	waitDone(t, res)

	msg, err := svc.GetMessage(ctx, "u1", res.AssistantMessageID)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Content != "Hello there" {
		t.Fatalf("echo reply %q", msg.Content)
	}
}

func TestSendRejectsEmptyContent(t *testing.T) {
	svc, _ := newService(t, llm.NewEchoGenerator(0), 10)
	_, _, err := svc.SendMessage(context.Background(), "u1", "", "   ")
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestAccessIsOwnerOnly(t *testing.T) {
	svc, _ := newService(t, llm.NewEchoGenerator(0), 10)
	ctx := context.Background()
	conv, err := svc.CreateConversation(ctx, "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Title != defaultTitle {
		t.Fatalf("unexpected title %q", conv.Title)
	}

	if _, _, err := svc.SendMessage(ctx, "intruder", conv.ID, "hi"); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if _, err := svc.GetHistory(ctx, "intruder", conv.ID, 10, 0); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if _, _, err := svc.Stop(ctx, "u1", "missing"); !errors.Is(err, domain.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestStopIdleConversation(t *testing.T) {
	svc, _ := newService(t, llm.NewEchoGenerator(0), 10)
	ctx := context.Background()
	conv, _ := svc.CreateConversation(ctx, "u1", "t")

	s, ok, err := svc.Stop(ctx, "u1", conv.ID)
	if err != nil || ok || s != nil {
		t.Fatalf("stop on idle conversation: %v %v %v", s, ok, err)
	}
}

func TestContextUsesRecentHistory(t *testing.T) {
	gen := &captureGen{}
	svc, store := newService(t, gen, 2)
	ctx := context.Background()
	conv, _ := svc.CreateConversation(ctx, "u1", "t")
	for _, c := range []string{"one", "two", "three"} {
		_, _ = store.CreateMessage(ctx, conv.ID, "u1", domain.RoleUser, c)
	}

	_, res, err := svc.SendMessage(ctx, "u1", conv.ID, "four")
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, res)

	if gen.req == nil || len(gen.req.History) != 2 {
		t.Fatalf("expected 2 history messages, got %+v", gen.req)
	}
	if gen.req.History[0].Content != "two" || gen.req.History[1].Content != "three" {
		t.Fatalf("unexpected history %q %q", gen.req.History[0].Content, gen.req.History[1].Content)
	}
	if gen.req.Prompt != "four" {
		t.Fatalf("unexpected prompt %q", gen.req.Prompt)
	}
}

func TestGetMessageOwnership(t *testing.T) {
	svc, store := newService(t, llm.NewEchoGenerator(0), 10)
	ctx := context.Background()
	conv, _ := svc.CreateConversation(ctx, "u1", "t")
	msg, _ := store.CreateMessage(ctx, conv.ID, "u1", domain.RoleUser, "private")

	if _, err := svc.GetMessage(ctx, "u2", msg.ID); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if _, err := svc.GetMessage(ctx, "u1", "missing"); !errors.Is(err, domain.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}
