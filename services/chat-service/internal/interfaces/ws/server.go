// Package ws serves the chat WebSocket: one duplex connection per client
// session carrying requests and the events of subscribed conversations.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"stream-chat/pkg/auth"
	"stream-chat/pkg/metrics"
	"stream-chat/services/chat-service/internal/application"
	"stream-chat/services/chat-service/internal/hub"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type Config struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteTimeout     time.Duration
	SendBuffer       int
	SendTimeout      time.Duration
	MaxPendingFrames int
	MaxMessageBytes  int64
	// RequestTimeout bounds the handling of one client frame.
	RequestTimeout time.Duration
	AllowedOrigins []string
}

func (c *Config) setDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.MaxPendingFrames <= 0 {
		c.MaxPendingFrames = 16
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

type Server struct {
	cfg      Config
	app      *application.ChatService
	hub      *hub.Hub
	auth     auth.Authenticator
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	log      zerolog.Logger

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

func NewServer(cfg Config, app *application.ChatService, h *hub.Hub, authenticator auth.Authenticator, m *metrics.Metrics, log zerolog.Logger) *Server {
	cfg.setDefaults()
	s := &Server{
		cfg:     cfg,
		app:     app,
		hub:     h,
		auth:    authenticator,
		metrics: m,
		log:     log.With().Str("component", "ws").Logger(),
		conns:   make(map[*Conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handle upgrades the request. Authentication happens in the hello frame.
func (s *Server) Handle(c *gin.Context) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("client_ip", c.ClientIP()).Msg("upgrade failed")
		return
	}

	conn := newConn(s, ws)
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.metrics.ConnectionOpened()
	s.log.Debug().Str("conn", conn.id).Str("client_ip", c.ClientIP()).Msg("connection opened")

	go conn.writePump()
	go conn.readPump()
}

func (s *Server) remove(conn *Conn) {
	s.mu.Lock()
	_, ok := s.conns[conn]
	delete(s.conns, conn)
	s.mu.Unlock()
	if ok {
		s.metrics.ConnectionClosed()
	}
}

// Shutdown closes every connection with "going away" and refuses new ones.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	for _, conn := range conns {
		select {
		case <-conn.finished:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
