package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"stream-chat/pkg/protocol"
	"stream-chat/services/chat-service/internal/hub"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var errSlowConsumer = errors.New("outbound queue full")

// Conn is one client connection. Everything it sends goes through send and
// is written by writePump alone.
type Conn struct {
	id  string
	srv *Server
	ws  *websocket.Conn

	send     chan []byte
	closed   chan struct{}
	finished chan struct{}

	closeOnce sync.Once
	closeCode int
	closeText string

	ctx    context.Context
	cancel context.CancelFunc

	// written by readPump before the connection joins the hub
	userID          string
	clientSessionID string
	pending         []protocol.ClientFrame
}

func newConn(srv *Server, ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:       uuid.NewString(),
		srv:      srv,
		ws:       ws,
		send:     make(chan []byte, srv.cfg.SendBuffer),
		closed:   make(chan struct{}),
		finished: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *Conn) ID() string {
	return c.id
}

// Deliver queues frame for writing. When the queue stays full for longer
// than the send timeout the connection is closed; the client recovers by
// reading persisted state after reconnecting.
func (c *Conn) Deliver(frame []byte) error {
	select {
	case <-c.closed:
		return hub.ErrSubscriberGone
	case c.send <- frame:
		return nil
	default:
	}

	timer := time.NewTimer(c.srv.cfg.SendTimeout)
	defer timer.Stop()
	select {
	case c.send <- frame:
		return nil
	case <-c.closed:
		return hub.ErrSubscriberGone
	case <-timer.C:
		c.srv.metrics.SlowConsumer()
		c.srv.log.Warn().Str("conn", c.id).Str("user_id", c.userID).Msg("slow consumer, closing")
		c.closeWith(websocket.CloseTryAgainLater, "slow consumer")
		return errSlowConsumer
	}
}

// closeWith closes the connection once. Queued frames are still written,
// followed by a close frame carrying code.
func (c *Conn) closeWith(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.closed)
		c.cancel()
	})
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) reply(f protocol.ServerFrame) {
	data, err := protocol.Encode(f)
	if err != nil {
		c.srv.log.Error().Err(err).Str("type", f.Type).Msg("encode reply failed")
		return
	}
	_ = c.Deliver(data)
}

func (c *Conn) replyError(req protocol.ClientFrame, code, msg string) {
	c.reply(protocol.ServerFrame{
		ID:              req.ID,
		Type:            protocol.TypeError,
		OK:              protocol.Bool(false),
		ConversationID:  req.ConversationID,
		ClientMessageID: req.ClientMessageID,
		Code:            code,
		Error:           msg,
	})
}

func (c *Conn) writePump() {
	cfg := c.srv.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.closed:
			c.flush()
			if c.closeCode != websocket.CloseAbnormalClosure {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(c.closeCode, c.closeText),
					time.Now().Add(cfg.WriteTimeout))
			}
			return
		}
	}
}

// flush writes whatever is still queued, e.g. the reply to a rejected hello.
func (c *Conn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) readPump() {
	cfg := c.srv.cfg
	defer c.cleanup()

	c.ws.SetReadLimit(cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout))
	c.ws.SetPongHandler(func(string) error {
		if c.userID == "" {
			return nil
		}
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.isClosed() {
				c.srv.log.Debug().Err(err).Str("conn", c.id).Msg("read failed")
			}
			c.closeWith(websocket.CloseNormalClosure, "")
			return
		}

		frame, err := protocol.DecodeClient(data)
		if err != nil {
			c.replyError(protocol.ClientFrame{}, protocol.CodeInvalidRequest, "malformed frame")
			continue
		}
		c.srv.metrics.FrameReceived(frame.Type)
		c.handle(frame)
	}
}

func (c *Conn) cleanup() {
	c.srv.hub.UnsubscribeAll(c)
	c.srv.remove(c)
	close(c.finished)
	c.srv.log.Debug().Str("conn", c.id).Str("user_id", c.userID).Msg("connection closed")
}
