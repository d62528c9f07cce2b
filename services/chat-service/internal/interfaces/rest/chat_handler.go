// Package rest is the gin HTTP surface of the chat service.
package rest

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"stream-chat/pkg/protocol"
	"stream-chat/services/chat-service/internal/application"
	"stream-chat/services/chat-service/internal/domain"
	"stream-chat/services/chat-service/internal/hub"
	"stream-chat/services/chat-service/internal/interfaces"
	"stream-chat/services/chat-service/internal/interfaces/middleware"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type ChatHandler struct {
	app *application.ChatService
	// stopWait bounds how long a stop request waits for the final write.
	stopWait time.Duration
	log      zerolog.Logger
}

func NewChatHandler(app *application.ChatService, stopWait time.Duration, log zerolog.Logger) *ChatHandler {
	if stopWait <= 0 {
		stopWait = 5 * time.Second
	}
	return &ChatHandler{
		app:      app,
		stopWait: stopWait,
		log:      log.With().Str("component", "rest").Logger(),
	}
}

func (h *ChatHandler) ListConversations(c *gin.Context) {
	limit, offset, ok := h.page(c)
	if !ok {
		return
	}
	convs, err := h.app.GetConversations(c.Request.Context(), userID(c), limit, offset)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := protocol.ConversationsResponse{Conversations: make([]*protocol.ConversationView, 0, len(convs))}
	for _, conv := range convs {
		resp.Conversations = append(resp.Conversations, conversationView(conv))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ChatHandler) CreateConversation(c *gin.Context) {
	var req protocol.CreateConversationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.fail(c, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
			return
		}
	}
	conv, err := h.app.CreateConversation(c.Request.Context(), userID(c), req.Title)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, conversationView(conv))
}

// GetHistory 获取会话历史
func (h *ChatHandler) GetHistory(c *gin.Context) {
	limit, offset, ok := h.page(c)
	if !ok {
		return
	}
	msgs, err := h.app.GetHistory(c.Request.Context(), userID(c), c.Param("id"), limit, offset)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := protocol.MessagesResponse{Messages: make([]*protocol.MessageView, 0, len(msgs))}
	for _, msg := range msgs {
		resp.Messages = append(resp.Messages, hub.MessageView(msg))
	}
	c.JSON(http.StatusOK, resp)
}

// SendMessage starts a generation. The response is streamed to the
// conversation's WebSocket subscribers; this only acknowledges it.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req protocol.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
		return
	}
	conv, res, err := h.app.SendMessage(c.Request.Context(), userID(c), c.Param("id"), req.Content)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, protocol.SendResponse{
		ConversationID:     conv.ID,
		ClientMessageID:    req.ClientMessageID,
		UserMessage:        hub.MessageView(res.UserMessage),
		AssistantMessageID: res.AssistantMessageID,
	})
}

// Stop stops the running generation and waits until its content is saved.
func (h *ChatHandler) Stop(c *gin.Context) {
	session, stopped, err := h.app.Stop(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !stopped {
		c.JSON(http.StatusOK, protocol.StopResponse{Stopped: false})
		return
	}

	timer := time.NewTimer(h.stopWait)
	defer timer.Stop()
	select {
	case <-session.Done():
	case <-timer.C:
		h.log.Warn().Str("conversation_id", session.ConversationID).Msg("stop: session still finishing")
	case <-c.Request.Context().Done():
	}
	c.JSON(http.StatusOK, protocol.StopResponse{Stopped: true, MessageID: session.MessageID()})
}

func (h *ChatHandler) GetMessage(c *gin.Context) {
	msg, err := h.app.GetMessage(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, hub.MessageView(msg))
}

func (h *ChatHandler) page(c *gin.Context) (limit, offset int, ok bool) {
	limit, err := queryInt(c, "limit", defaultPageSize)
	if err != nil || limit <= 0 {
		h.fail(c, fmt.Errorf("%w: limit must be a positive integer", domain.ErrInvalidArgument))
		return 0, 0, false
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset, err = queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		h.fail(c, fmt.Errorf("%w: offset must not be negative", domain.ErrInvalidArgument))
		return 0, 0, false
	}
	return limit, offset, true
}

func (h *ChatHandler) fail(c *gin.Context, err error) {
	we := interfaces.MapError(err)
	if we.Status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(we.Status, protocol.ErrorResponse{
		Code:      we.Code,
		Error:     we.Message,
		MessageID: we.MessageID,
	})
}

func userID(c *gin.Context) string {
	return c.GetString(middleware.ContextUserID)
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func conversationView(conv *domain.Conversation) *protocol.ConversationView {
	return &protocol.ConversationView{
		ID:             conv.ID,
		Title:          conv.Title,
		MessageCount:   conv.MessageCount,
		TokenTotal:     conv.TokenTotal,
		LastActivityAt: conv.LastActivityAt,
		CreatedAt:      conv.CreatedAt,
	}
}
