// Package generation runs assistant responses: one session per conversation,
// streamed to subscribers as it is produced and persisted before completion
// is announced.
package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stream-chat/pkg/metrics"
	"stream-chat/services/chat-service/internal/domain"
	"stream-chat/services/chat-service/internal/hub"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrShuttingDown = errors.New("generation manager is shutting down")

// Dispatcher fans events out to the connections subscribed to a conversation.
type Dispatcher interface {
	Publish(ev domain.Event)
	Subscribe(sub hub.Subscriber, conversationID string) bool
	SubscribeAndSend(sub hub.Subscriber, conversationID string, ev *domain.Event) (bool, error)
}

type Options struct {
	StatusText        string
	GenerationTimeout time.Duration
	FinalizeTimeout   time.Duration
	StopDrainTimeout  time.Duration
	// InstanceID identifies this process as the holder of distributed locks.
	InstanceID string
}

type Dependencies struct {
	Repo       domain.ChatRepository
	Generator  domain.Generator
	Dispatcher Dispatcher
	// optional
	Locker   domain.ConversationLocker
	Outcomes domain.OutcomePublisher
	Tokens   domain.TokenCounter
	Metrics  *metrics.Metrics
}

type StartRequest struct {
	ConversationID string
	UserID         string
	Content        string
	// History is the prompt context, oldest first, not including Content.
	History []*domain.Message
}

type StartResult struct {
	UserMessage        *domain.Message
	AssistantMessageID string
	Session            *Session
}

type Manager struct {
	deps Dependencies
	opts Options
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session // by conversation
	closed   bool
}

func NewManager(deps Dependencies, opts Options, log zerolog.Logger) *Manager {
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = 5 * time.Second
	}
	if opts.StopDrainTimeout <= 0 {
		opts.StopDrainTimeout = 2 * time.Second
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:     deps,
		opts:     opts,
		log:      log.With().Str("component", "generation").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Start persists the user message, allocates the assistant message and runs
// the backend in the background. A conversation with a running session is
// rejected with a *domain.ConflictError.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	s, err := m.reserve(req)
	if err != nil {
		return nil, err
	}

	owner := m.opts.InstanceID + ":" + req.ConversationID
	if m.deps.Locker != nil {
		ok, err := m.deps.Locker.Acquire(ctx, req.ConversationID, owner)
		switch {
		case err != nil:
			// Redis 不可用时放行, 本地预留仍然有效
			m.log.Warn().Err(err).Str("conversation_id", req.ConversationID).Msg("distributed lock unavailable")
		case !ok:
			m.abort(s, "")
			m.deps.Metrics.Conflict()
			return nil, &domain.ConflictError{ConversationID: req.ConversationID}
		}
	}

	userMsg, err := m.deps.Repo.CreateMessage(ctx, req.ConversationID, req.UserID, domain.RoleUser, req.Content)
	if err != nil {
		m.abort(s, owner)
		return nil, fmt.Errorf("%w: save user message: %w", domain.ErrPersistence, err)
	}
	if cost := m.count(req.Content); cost > 0 {
		if err := m.deps.Repo.UpdateMessageContent(ctx, userMsg.ID, userMsg.Content, cost); err != nil {
			m.log.Warn().Err(err).Str("message_id", userMsg.ID).Msg("save user token cost failed")
		} else {
			userMsg.TokenCost = cost
		}
	}
	m.deps.Dispatcher.Publish(domain.UserMessageEvent(userMsg))

	placeholder, err := m.deps.Repo.CreateMessage(ctx, req.ConversationID, req.UserID, domain.RoleAssistant, "")
	if err != nil {
		m.abort(s, owner)
		return nil, fmt.Errorf("%w: allocate assistant message: %w", domain.ErrPersistence, err)
	}

	s.mu.Lock()
	s.messageID = placeholder.ID
	_ = s.transitionLocked(StateStarting)
	s.mu.Unlock()

	m.deps.Metrics.SessionStarted()
	m.deps.Dispatcher.Publish(domain.GenerationStartEvent(req.ConversationID, placeholder.ID))
	if m.opts.StatusText != "" {
		m.deps.Dispatcher.Publish(domain.StatusEvent(req.ConversationID, m.opts.StatusText))
	}

	m.log.Info().
		Str("conversation_id", req.ConversationID).
		Str("message_id", placeholder.ID).
		Msg("generation started")

	result := &StartResult{
		UserMessage:        userMsg,
		AssistantMessageID: placeholder.ID,
		Session:            s,
	}

	fragments, err := m.deps.Generator.Generate(s.ctx, &domain.GenerateRequest{
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		MessageID:      placeholder.ID,
		Prompt:         req.Content,
		History:        req.History,
	})
	if err != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if s.isStopped() {
				m.finish(s, owner, domain.OutcomeStopped, "")
				return
			}
			m.finish(s, owner, domain.OutcomeErrored, reasonFor(err))
		}()
		return result, nil
	}

	m.wg.Add(1)
	go m.run(s, owner, fragments)
	return result, nil
}

func (m *Manager) reserve(req StartRequest) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrShuttingDown
	}
	if active, ok := m.sessions[req.ConversationID]; ok {
		m.deps.Metrics.Conflict()
		return nil, &domain.ConflictError{ConversationID: req.ConversationID, MessageID: active.MessageID()}
	}
	s := newSession(m.ctx, req.ConversationID, req.UserID, m.opts.GenerationTimeout)
	m.sessions[req.ConversationID] = s
	return s, nil
}

func (m *Manager) unreserve(s *Session) {
	m.mu.Lock()
	if m.sessions[s.ConversationID] == s {
		delete(m.sessions, s.ConversationID)
	}
	m.mu.Unlock()
	s.cancel()
}

// abort releases a session that never got an assistant message.
func (m *Manager) abort(s *Session, owner string) {
	s.mu.Lock()
	_ = s.transitionLocked(StateErrored)
	s.mu.Unlock()
	m.unreserve(s)
	if owner != "" {
		m.releaseLock(s.ConversationID, owner)
	}
	close(s.done)
}

func (m *Manager) run(s *Session, owner string, fragments <-chan *domain.Fragment) {
	defer m.wg.Done()

	for {
		select {
		case f, ok := <-fragments:
			if !ok {
				m.finishOnEnd(s, owner)
				return
			}
			if f.Err != nil {
				if s.isStopped() {
					m.settle(s, fragments)
					m.finish(s, owner, domain.OutcomeStopped, "")
					return
				}
				m.finish(s, owner, domain.OutcomeErrored, reasonFor(f.Err))
				m.drain(s, fragments)
				return
			}
			if f.Status != "" {
				m.publishStatus(s, f.Status)
			}
			if f.Content != "" {
				m.appendChunk(s, f.Content)
			}
			if s.isStopped() {
				m.settle(s, fragments)
				m.finish(s, owner, domain.OutcomeStopped, "")
				return
			}
		case <-s.stopCh:
			m.settle(s, fragments)
			m.finish(s, owner, domain.OutcomeStopped, "")
			return
		case <-s.ctx.Done():
			m.settle(s, fragments)
			m.finishOnEnd(s, owner)
			return
		}
	}
}

// finishOnEnd decides the outcome once the backend stream ended or the
// session context is done.
func (m *Manager) finishOnEnd(s *Session, owner string) {
	switch {
	case s.isStopped():
		m.finish(s, owner, domain.OutcomeStopped, "")
	case errors.Is(s.ctx.Err(), context.DeadlineExceeded):
		m.finish(s, owner, domain.OutcomeErrored, "generation timed out")
	case s.ctx.Err() != nil:
		m.finish(s, owner, domain.OutcomeErrored, "generation cancelled")
	case s.Content() == "":
		m.finish(s, owner, domain.OutcomeErrored, ReasonEmptyResponse)
	default:
		m.finish(s, owner, domain.OutcomeCompleted, "")
	}
}

// appendChunk adds a fragment to the buffer and publishes it. The buffer
// and the published chunks stay identical.
func (m *Manager) appendChunk(s *Session, fragment string) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	if s.state == StateStarting {
		_ = s.transitionLocked(StateStreaming)
	}
	s.buf.WriteString(fragment)
	s.chunks++
	messageID := s.messageID
	s.mu.Unlock()

	m.deps.Dispatcher.Publish(domain.ChunkEvent(s.ConversationID, messageID, fragment))
	m.deps.Metrics.Chunk()
}

// publishStatus forwards backend status only until the first chunk.
func (m *Manager) publishStatus(s *Session, text string) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	skip := s.state != StateStarting || s.stopped
	s.mu.Unlock()
	if skip {
		return
	}
	m.deps.Dispatcher.Publish(domain.StatusEvent(s.ConversationID, text))
}

// finish persists the accumulated content and publishes the terminal event.
// complete is only published once the write succeeded.
func (m *Manager) finish(s *Session, owner, outcome, reason string) {
	content := s.Content()
	messageID := s.MessageID()

	var writeErr error
	if outcome != domain.OutcomeErrored || content != "" {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.FinalizeTimeout)
		start := time.Now()
		writeErr = m.deps.Repo.UpdateMessageContent(ctx, messageID, content, m.count(content))
		m.deps.Metrics.ObserveFinalize(time.Since(start))
		cancel()
	}

	if writeErr != nil {
		m.log.Error().Err(writeErr).
			Str("conversation_id", s.ConversationID).
			Str("message_id", messageID).
			Str("outcome", outcome).
			Msg("finalize write failed")
		if outcome != domain.OutcomeErrored {
			outcome = domain.OutcomeErrored
			reason = "failed to save response"
		}
	}

	next := StateCompleted
	switch outcome {
	case domain.OutcomeStopped:
		next = StateStopped
	case domain.OutcomeErrored:
		next = StateErrored
	}

	s.mu.Lock()
	if err := s.transitionLocked(next); err != nil {
		m.log.Error().Err(err).Str("message_id", messageID).Msg("session transition refused")
		s.state = StateErrored
	}
	chunks := s.chunks
	s.mu.Unlock()

	// 先释放会话, 客户端收到 complete 后可以立即再发
	m.unreserve(s)
	m.releaseLock(s.ConversationID, owner)

	if outcome == domain.OutcomeErrored {
		m.deps.Dispatcher.Publish(domain.ErrorEvent(s.ConversationID, messageID, reason))
	} else {
		m.deps.Dispatcher.Publish(domain.CompleteEvent(s.ConversationID, messageID))
	}
	close(s.done)

	elapsed := time.Since(s.StartedAt)
	m.deps.Metrics.SessionFinished(outcome, elapsed)
	m.log.Info().
		Str("conversation_id", s.ConversationID).
		Str("message_id", messageID).
		Str("outcome", outcome).
		Str("reason", reason).
		Int("chunks", chunks).
		Dur("elapsed", elapsed).
		Msg("generation finished")

	m.publishOutcome(&domain.GenerationOutcome{
		ConversationID: s.ConversationID,
		MessageID:      messageID,
		UserID:         s.UserID,
		Outcome:        outcome,
		Reason:         reason,
		TokenCost:      m.count(content),
		Chunks:         chunks,
		StartedAt:      s.StartedAt,
		FinishedAt:     time.Now(),
	})
}

// settle applies the fragments the backend had already emitted when the
// session was stopped or its context ended, until the backend closes the
// stream or stop_drain_timeout passes. Later fragments are discarded.
func (m *Manager) settle(s *Session, fragments <-chan *domain.Fragment) {
	timer := time.NewTimer(m.opts.StopDrainTimeout)
	defer timer.Stop()
	applied := 0
	for {
		select {
		case f, ok := <-fragments:
			if !ok {
				if applied > 0 {
					m.log.Debug().Str("conversation_id", s.ConversationID).Int("applied", applied).Msg("settled in-flight fragments")
				}
				return
			}
			if f.Err != nil || f.Content == "" {
				continue
			}
			m.appendChunk(s, f.Content)
			applied++
		case <-timer.C:
			m.log.Warn().Str("conversation_id", s.ConversationID).Msg("backend did not close after stop")
			go m.discard(fragments)
			return
		}
	}
}

// drain discards what the backend still emits after its final error so its
// goroutine can exit.
func (m *Manager) drain(s *Session, fragments <-chan *domain.Fragment) {
	timer := time.NewTimer(m.opts.StopDrainTimeout)
	defer timer.Stop()
	for {
		select {
		case _, ok := <-fragments:
			if !ok {
				return
			}
		case <-timer.C:
			m.log.Warn().Str("conversation_id", s.ConversationID).Msg("backend did not close after error")
			go m.discard(fragments)
			return
		}
	}
}

func (m *Manager) discard(fragments <-chan *domain.Fragment) {
	for range fragments {
	}
}

func (m *Manager) publishOutcome(outcome *domain.GenerationOutcome) {
	if m.deps.Outcomes == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.FinalizeTimeout)
	defer cancel()
	if err := m.deps.Outcomes.PublishOutcome(ctx, outcome); err != nil {
		m.log.Warn().Err(err).Str("message_id", outcome.MessageID).Msg("publish outcome failed")
	}
}

func (m *Manager) releaseLock(conversationID, owner string) {
	if m.deps.Locker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.FinalizeTimeout)
	defer cancel()
	if err := m.deps.Locker.Release(ctx, conversationID, owner); err != nil {
		m.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("release lock failed")
	}
}

func (m *Manager) count(text string) int {
	if m.deps.Tokens == nil {
		return 0
	}
	return m.deps.Tokens.Count(text)
}

// Stop asks the active session of the conversation to stop. It reports
// whether there was one to stop; without one it does nothing.
func (m *Manager) Stop(conversationID string) (*Session, bool) {
	s := m.Active(conversationID)
	if s == nil {
		return nil, false
	}
	if !s.requestStop() {
		return nil, false
	}
	m.log.Info().Str("conversation_id", conversationID).Str("message_id", s.MessageID()).Msg("generation stop requested")
	return s, true
}

// Active returns the running session of the conversation, or nil.
func (m *Manager) Active(conversationID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[conversationID]
}

// Snapshot returns the message being generated and its content so far.
func (m *Manager) Snapshot(conversationID string) (messageID, content string, ok bool) {
	s := m.Active(conversationID)
	if s == nil {
		return "", "", false
	}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messageID == "" || s.state.Terminal() {
		return "", "", false
	}
	return s.messageID, s.buf.String(), true
}

// SubscribeWithSnapshot subscribes sub and, when a response is being
// generated, sends it a snapshot of the content so far. No chunk can be
// published between the snapshot and the subscription.
func (m *Manager) SubscribeWithSnapshot(sub hub.Subscriber, conversationID string) (bool, error) {
	s := m.Active(conversationID)
	if s == nil {
		return m.deps.Dispatcher.Subscribe(sub, conversationID), nil
	}

	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	s.mu.Lock()
	live := s.messageID != "" && !s.state.Terminal()
	snap := domain.SnapshotEvent(conversationID, s.messageID, s.buf.String())
	s.mu.Unlock()
	if !live {
		return m.deps.Dispatcher.Subscribe(sub, conversationID), nil
	}
	return m.deps.Dispatcher.SubscribeAndSend(sub, conversationID, &snap)
}

// Shutdown stops every session and waits for them to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	active := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		active = append(active, s)
	}
	m.mu.Unlock()

	for _, s := range active {
		s.requestStop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		return ctx.Err()
	}
}

// ReasonEmptyResponse is reported when the backend finished without output.
const ReasonEmptyResponse = "empty response"

func reasonFor(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
