package rest

import (
	"net/http"

	"stream-chat/pkg/auth"
	"stream-chat/pkg/logger"
	"stream-chat/services/chat-service/internal/interfaces/middleware"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

type RouterConfig struct {
	Chat          *ChatHandler
	Authenticator auth.Authenticator
	// WebSocket upgrades; it authenticates through its own handshake.
	WebSocket gin.HandlerFunc
	// optional
	Redis        *redis.Client
	RateLimitQPS int
	Metrics      http.Handler
	Log          zerolog.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logger.GinLogger(cfg.Log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	api := r.Group("/api/v1")
	if cfg.WebSocket != nil {
		api.GET("/ws", cfg.WebSocket)
	}

	chat := api.Group("/chat")
	chat.Use(middleware.JwtAuth(cfg.Authenticator))
	chat.Use(middleware.RateLimit(cfg.Redis, cfg.RateLimitQPS, cfg.Log))
	{
		chat.GET("/conversations", cfg.Chat.ListConversations)
		chat.POST("/conversations", cfg.Chat.CreateConversation)
		chat.GET("/conversations/:id/messages", cfg.Chat.GetHistory)
		chat.POST("/conversations/:id/messages", cfg.Chat.SendMessage)
		chat.POST("/conversations/:id/stop", cfg.Chat.Stop)
		chat.GET("/messages/:id", cfg.Chat.GetMessage)
	}
	return r
}
