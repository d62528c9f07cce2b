package generation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Session is one in-flight assistant response.
type Session struct {
	ConversationID string
	UserID         string
	StartedAt      time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// pubMu orders chunk publication against snapshots; it is held across
	// delivery, mu never is.
	pubMu     sync.Mutex
	mu        sync.Mutex
	messageID string
	state     State
	buf       strings.Builder
	chunks    int
	stopped   bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func newSession(parent context.Context, conversationID, userID string, timeout time.Duration) *Session {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	return &Session{
		ConversationID: conversationID,
		UserID:         userID,
		StartedAt:      time.Now(),
		ctx:            ctx,
		cancel:         cancel,
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (s *Session) MessageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Content returns everything accumulated so far.
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Done is closed once the session reached a terminal state and its final
// event was published.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// transitionLocked moves the session to next; s.mu must be held.
func (s *Session) transitionLocked(next State) error {
	if !CanTransition(s.state, next) {
		return fmt.Errorf("illegal session transition %s -> %s", s.state, next)
	}
	s.state = next
	return nil
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// requestStop flags the session and cancels the backend. It reports false
// when the session is already stopped or finished.
func (s *Session) requestStop() bool {
	s.mu.Lock()
	if s.stopped || s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.stopped = true
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	s.cancel()
	return true
}
