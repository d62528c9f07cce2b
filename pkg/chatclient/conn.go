// Package chatclient is the Go client of the chat service: a reconnecting
// WebSocket connection, a per-conversation view state machine and the
// reconciliation of streamed, optimistic and persisted messages.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"stream-chat/pkg/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	ErrNotConnected = errors.New("chatclient: not connected")
	ErrClosed       = errors.New("chatclient: closed")
	ErrUnauthorized = errors.New("chatclient: unauthorized")
	ErrSuperseded   = errors.New("chatclient: superseded by another connection")
)

// RequestError is a request the server rejected.
type RequestError struct {
	Code      string
	Message   string
	MessageID string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsConflict reports whether err rejected a send because a generation is
// still running.
func IsConflict(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Code == protocol.CodeGenerationActive
}

type Config struct {
	URL             string // ws://host:port/api/v1/ws
	Token           string
	ClientSessionID string
	Dialer          *websocket.Dialer

	HandshakeTimeout time.Duration
	// ReadTimeout closes a connection that saw no frame and no ping for this long.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	EventBuffer int
	Log         zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.ClientSessionID == "" {
		c.ClientSessionID = uuid.NewString()
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 90 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 8 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
}

// Client owns at most one connection at a time. A single loop goroutine
// dials, serves and redials it; everything else talks to the connection it
// installed.
type Client struct {
	cfg    Config
	log    zerolog.Logger
	events chan protocol.ServerFrame

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	changed   chan struct{}
	listeners []func(State)
	ws        *websocket.Conn
	epoch     uint64
	selected  string
	userID    string
	lastErr   error
	pending   map[string]chan protocol.ServerFrame
	loopDone  chan struct{}

	writeMu   sync.Mutex
	seq       atomic.Uint64
	closeOnce sync.Once
}

func New(cfg Config) *Client {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		log:     cfg.Log.With().Str("component", "chatclient").Logger(),
		events:  make(chan protocol.ServerFrame, cfg.EventBuffer),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateDisconnected,
		changed: make(chan struct{}),
		pending: make(map[string]chan protocol.ServerFrame),
	}
}

// Events delivers conversation events in arrival order. It must be drained;
// the connection stops reading while it is full. It is closed by Close.
func (c *Client) Events() <-chan protocol.ServerFrame {
	return c.events
}

// OnStateChange registers fn, called from the connection loop on every
// state transition.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID is the identity the server resolved at the last handshake.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Epoch counts successful connections.
func (c *Client) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Selected returns the conversation re-subscribed after every reconnect.
func (c *Client) Selected() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// Connect starts the connection loop and waits until it is open or has
// given up.
func (c *Client) Connect(ctx context.Context) error {
	if !c.start() {
		return ErrClosed
	}
	for {
		c.mu.Lock()
		state, changed, lastErr := c.state, c.changed, c.lastErr
		c.mu.Unlock()

		switch state {
		case StateOpen:
			return nil
		case StateClosed:
			return ErrClosed
		case StateDisconnected:
			if lastErr != nil {
				return lastErr
			}
			return ErrNotConnected
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Reconnect dials again with a fresh retry budget. It is the only way out
// of StateDisconnected.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.Connect(ctx)
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		c.cancel()

		c.mu.Lock()
		ws, done := c.ws, c.loopDone
		c.mu.Unlock()
		if ws != nil {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = ws.Close()
		}
		if done != nil {
			<-done
		}
		close(c.events)
	})
	return nil
}

// start launches the loop unless it is already running.
func (c *Client) start() bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	if c.loopDone != nil {
		select {
		case <-c.loopDone:
		default:
			c.mu.Unlock()
			return true
		}
	}
	done := make(chan struct{})
	c.loopDone = done
	c.lastErr = nil
	c.mu.Unlock()

	c.setState(StateConnecting)
	go c.loop(NewRetryBudget(c.cfg.MaxAttempts, c.cfg.BaseDelay, c.cfg.MaxDelay), done)
	return true
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
	listeners := append([]func(State){}, c.listeners...)
	c.mu.Unlock()

	c.log.Debug().Str("state", s.String()).Msg("connection state")
	for _, fn := range listeners {
		fn(s)
	}
}

func (c *Client) loop(budget *RetryBudget, done chan struct{}) {
	defer close(done)
	for {
		ws, err := c.dial()
		if err == nil {
			budget.Reset()
			err = c.serve(ws)
		}
		if c.ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()

		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrSuperseded) {
			c.log.Warn().Err(err).Msg("not reconnecting")
			c.setState(StateDisconnected)
			return
		}
		wait, ok := budget.Next()
		if !ok {
			c.log.Warn().Err(err).Int("attempts", budget.MaxAttempts).Msg("reconnect budget exhausted")
			c.setState(StateDisconnected)
			return
		}
		c.setState(StateReconnecting)
		c.log.Info().Err(err).Dur("wait", wait).Int("remaining", budget.Remaining()).Msg("reconnecting")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// dial connects and completes the hello handshake.
func (c *Client) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	ws, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", ErrNotConnected, err)
	}

	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	_ = ws.SetWriteDeadline(deadline)
	hello := protocol.ClientFrame{
		ID:              c.nextID(),
		Type:            protocol.TypeHello,
		Token:           c.cfg.Token,
		ClientSessionID: c.cfg.ClientSessionID,
	}
	if err := ws.WriteJSON(hello); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("%w: hello: %v", ErrNotConnected, err)
	}

	_ = ws.SetReadDeadline(deadline)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("%w: hello: %v", ErrNotConnected, err)
		}
		reply, err := protocol.DecodeServer(data)
		if err != nil || reply.Type != protocol.TypeHello {
			continue
		}
		if reply.OK == nil || !*reply.OK {
			_ = ws.Close()
			return nil, ErrUnauthorized
		}
		c.mu.Lock()
		c.userID = reply.UserID
		c.mu.Unlock()
		return ws, nil
	}
}

// serve installs ws, re-subscribes the selected conversation and reads
// until the connection drops.
func (c *Client) serve(ws *websocket.Conn) error {
	c.mu.Lock()
	c.ws = ws
	c.epoch++
	selected := c.selected
	c.mu.Unlock()
	c.setState(StateOpen)

	defer func() {
		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		pending := c.pending
		c.pending = make(map[string]chan protocol.ServerFrame)
		c.mu.Unlock()
		_ = ws.Close()
		for _, ch := range pending {
			close(ch)
		}
	}()

	if selected != "" {
		// the reply has no waiter and is dropped
		if err := c.write(ws, protocol.ClientFrame{ID: c.nextID(), Type: protocol.TypeSubscribe, ConversationID: selected}); err != nil {
			return fmt.Errorf("%w: resubscribe: %v", ErrNotConnected, err)
		}
	}

	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_ = ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				switch ce.Code {
				case protocol.CloseSuperseded:
					return ErrSuperseded
				case protocol.CloseUnauthorized:
					return ErrUnauthorized
				}
			}
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		f, err := protocol.DecodeServer(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("malformed frame")
			continue
		}
		c.route(f)
	}
}

func (c *Client) route(f protocol.ServerFrame) {
	if f.ID != "" {
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ok {
			ch <- f
			return
		}
	}
	if !f.IsEvent() {
		return
	}
	select {
	case c.events <- f:
	case <-c.ctx.Done():
	}
}

func (c *Client) nextID() string {
	return strconv.FormatUint(c.seq.Add(1), 10)
}

func (c *Client) write(ws *websocket.Conn, f protocol.ClientFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return ws.WriteJSON(f)
}

// request sends f on the open connection and waits for its reply.
func (c *Client) request(ctx context.Context, f protocol.ClientFrame) (protocol.ServerFrame, error) {
	c.mu.Lock()
	ws := c.ws
	if ws == nil || c.state != StateOpen {
		c.mu.Unlock()
		return protocol.ServerFrame{}, ErrNotConnected
	}
	f.ID = c.nextID()
	ch := make(chan protocol.ServerFrame, 1)
	c.pending[f.ID] = ch
	c.mu.Unlock()

	if err := c.write(ws, f); err != nil {
		c.forget(f.ID)
		return protocol.ServerFrame{}, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return protocol.ServerFrame{}, ErrNotConnected
		}
		if reply.Type == protocol.TypeError {
			return reply, &RequestError{Code: reply.Code, Message: reply.Error, MessageID: reply.MessageID}
		}
		return reply, nil
	case <-ctx.Done():
		c.forget(f.ID)
		return protocol.ServerFrame{}, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Select switches the subscription to conversationID: the previous one is
// unsubscribed first. The selection is kept while disconnected and applied
// on the next connection.
func (c *Client) Select(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	prev := c.selected
	c.selected = conversationID
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open {
		return nil
	}
	if prev != "" && prev != conversationID {
		if _, err := c.request(ctx, protocol.ClientFrame{Type: protocol.TypeUnsubscribe, ConversationID: prev}); err != nil {
			return err
		}
	}
	if conversationID == "" {
		return nil
	}
	if _, err := c.request(ctx, protocol.ClientFrame{Type: protocol.TypeSubscribe, ConversationID: conversationID}); err != nil {
		var re *RequestError
		if errors.As(err, &re) {
			c.mu.Lock()
			if c.selected == conversationID {
				c.selected = ""
			}
			c.mu.Unlock()
		}
		return err
	}
	return nil
}

// Send posts a user message. An empty conversationID opens a new
// conversation, which becomes the selected one. The reply is the ack.
func (c *Client) Send(ctx context.Context, conversationID, content, clientMessageID string) (protocol.ServerFrame, error) {
	reply, err := c.request(ctx, protocol.ClientFrame{
		Type:            protocol.TypeSend,
		ConversationID:  conversationID,
		Content:         content,
		ClientMessageID: clientMessageID,
	})
	if err != nil {
		return reply, err
	}
	if conversationID == "" && reply.ConversationID != "" {
		c.mu.Lock()
		prev := c.selected
		c.selected = reply.ConversationID
		c.mu.Unlock()
		if prev != "" && prev != reply.ConversationID {
			_, _ = c.request(ctx, protocol.ClientFrame{Type: protocol.TypeUnsubscribe, ConversationID: prev})
		}
	}
	return reply, nil
}

// Stop asks the server to stop the conversation's generation. It reports
// whether one was running.
func (c *Client) Stop(ctx context.Context, conversationID string) (bool, error) {
	reply, err := c.request(ctx, protocol.ClientFrame{Type: protocol.TypeStop, ConversationID: conversationID})
	if err != nil {
		return false, err
	}
	return reply.OK != nil && *reply.OK, nil
}

// Resync returns a snapshot of the conversation's in-flight response. OK is
// false when nothing is being generated.
func (c *Client) Resync(ctx context.Context, conversationID string) (protocol.ServerFrame, error) {
	return c.request(ctx, protocol.ClientFrame{Type: protocol.TypeResync, ConversationID: conversationID})
}
