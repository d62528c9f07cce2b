package ws

import (
	"context"
	"strings"
	"time"

	"stream-chat/pkg/protocol"
	"stream-chat/services/chat-service/internal/hub"
	"stream-chat/services/chat-service/internal/interfaces"
)

func (c *Conn) handle(f protocol.ClientFrame) {
	if c.userID == "" {
		switch f.Type {
		case protocol.TypeHello:
			c.handleHello(f)
		case protocol.TypeSubscribe, protocol.TypeUnsubscribe:
			if len(c.pending) >= c.srv.cfg.MaxPendingFrames {
				c.replyError(f, protocol.CodeInvalidRequest, "too many frames before hello")
				return
			}
			c.pending = append(c.pending, f)
		default:
			c.replyError(f, protocol.CodeHandshakeRequired, "hello required")
		}
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.srv.cfg.RequestTimeout)
	defer cancel()

	switch f.Type {
	case protocol.TypeHello:
		c.replyError(f, protocol.CodeInvalidRequest, "already authenticated")
	case protocol.TypeSubscribe:
		c.handleSubscribe(ctx, f)
	case protocol.TypeUnsubscribe:
		c.handleUnsubscribe(f)
	case protocol.TypeSend:
		c.handleSend(ctx, f)
	case protocol.TypeStop:
		c.handleStop(ctx, f)
	case protocol.TypeResync:
		c.handleResync(ctx, f)
	default:
		c.replyError(f, protocol.CodeInvalidRequest, "unknown frame type "+f.Type)
	}
}

func (c *Conn) handleHello(f protocol.ClientFrame) {
	ctx, cancel := context.WithTimeout(c.ctx, c.srv.cfg.RequestTimeout)
	defer cancel()

	userID, err := c.srv.auth.Identify(ctx, f.Token)
	if err != nil || userID == "" {
		c.srv.log.Info().Err(err).Str("conn", c.id).Msg("hello rejected")
		c.reply(protocol.ServerFrame{
			ID:    f.ID,
			Type:  protocol.TypeHello,
			OK:    protocol.Bool(false),
			Code:  protocol.CodeUnauthenticated,
			Error: "invalid token",
		})
		c.closeWith(protocol.CloseUnauthorized, "unauthorized")
		return
	}

	c.userID = userID
	c.clientSessionID = f.ClientSessionID
	_ = c.ws.SetReadDeadline(time.Now().Add(c.srv.cfg.PongWait))

	if prev := c.srv.hub.Claim(f.ClientSessionID, c); prev != nil {
		if old, ok := prev.(*Conn); ok {
			c.srv.log.Info().Str("conn", old.id).Str("client_session_id", f.ClientSessionID).Msg("connection superseded")
			old.closeWith(protocol.CloseSuperseded, "superseded")
		}
	}

	c.reply(protocol.ServerFrame{
		ID:     f.ID,
		Type:   protocol.TypeHello,
		OK:     protocol.Bool(true),
		UserID: userID,
	})

	pending := c.pending
	c.pending = nil
	for _, p := range pending {
		c.handle(p)
	}
}

func (c *Conn) handleSubscribe(ctx context.Context, f protocol.ClientFrame) {
	if _, err := c.srv.app.Subscribe(ctx, c.userID, c, f.ConversationID); err != nil {
		c.fail(f, err)
		return
	}
	c.reply(protocol.ServerFrame{
		ID:             f.ID,
		Type:           protocol.TypeSubscribed,
		OK:             protocol.Bool(true),
		ConversationID: f.ConversationID,
	})
}

func (c *Conn) handleUnsubscribe(f protocol.ClientFrame) {
	c.srv.hub.Unsubscribe(c, f.ConversationID)
	c.reply(protocol.ServerFrame{
		ID:             f.ID,
		Type:           protocol.TypeUnsubscribed,
		OK:             protocol.Bool(true),
		ConversationID: f.ConversationID,
	})
}

// handleSend starts a generation. A send without conversationId opens a new
// conversation, which this connection is subscribed to before anything is
// published on it.
func (c *Conn) handleSend(ctx context.Context, f protocol.ClientFrame) {
	if strings.TrimSpace(f.Content) == "" {
		c.replyError(f, protocol.CodeInvalidRequest, "content is empty")
		return
	}
	conversationID := f.ConversationID
	if conversationID == "" {
		conv, err := c.srv.app.EnsureConversation(ctx, c.userID, "", f.Content)
		if err != nil {
			c.fail(f, err)
			return
		}
		conversationID = conv.ID
		if _, err := c.srv.app.Subscribe(ctx, c.userID, c, conversationID); err != nil {
			c.fail(f, err)
			return
		}
	}

	_, res, err := c.srv.app.SendMessage(ctx, c.userID, conversationID, f.Content)
	if err != nil {
		f.ConversationID = conversationID
		c.fail(f, err)
		return
	}
	c.reply(protocol.ServerFrame{
		ID:              f.ID,
		Type:            protocol.TypeAck,
		OK:              protocol.Bool(true),
		ConversationID:  conversationID,
		MessageID:       res.AssistantMessageID,
		ClientMessageID: f.ClientMessageID,
		Message:         hub.MessageView(res.UserMessage),
	})
}

// handleStop acknowledges the request only; the outcome reaches subscribers
// as a complete event.
func (c *Conn) handleStop(ctx context.Context, f protocol.ClientFrame) {
	session, stopped, err := c.srv.app.Stop(ctx, c.userID, f.ConversationID)
	if err != nil {
		c.fail(f, err)
		return
	}
	reply := protocol.ServerFrame{
		ID:             f.ID,
		Type:           protocol.TypeStopped,
		OK:             protocol.Bool(stopped),
		ConversationID: f.ConversationID,
	}
	if stopped {
		reply.MessageID = session.MessageID()
	}
	c.reply(reply)
}

func (c *Conn) handleResync(ctx context.Context, f protocol.ClientFrame) {
	messageID, content, ok, err := c.srv.app.Snapshot(ctx, c.userID, f.ConversationID)
	if err != nil {
		c.fail(f, err)
		return
	}
	c.reply(protocol.ServerFrame{
		ID:             f.ID,
		Type:           protocol.TypeSnapshot,
		OK:             protocol.Bool(ok),
		ConversationID: f.ConversationID,
		MessageID:      messageID,
		Content:        content,
	})
}

func (c *Conn) fail(f protocol.ClientFrame, err error) {
	we := interfaces.MapError(err)
	if we.Code == protocol.CodeInternal {
		c.srv.log.Error().Err(err).Str("conn", c.id).Str("type", f.Type).Msg("request failed")
	}
	c.reply(protocol.ServerFrame{
		ID:              f.ID,
		Type:            protocol.TypeError,
		OK:              protocol.Bool(false),
		ConversationID:  f.ConversationID,
		MessageID:       we.MessageID,
		ClientMessageID: f.ClientMessageID,
		Code:            we.Code,
		Error:           we.Message,
	})
}
