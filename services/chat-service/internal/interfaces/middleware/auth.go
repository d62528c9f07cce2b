package middleware

import (
	"net/http"
	"strings"

	"stream-chat/pkg/auth"
	"stream-chat/pkg/protocol"

	"github.com/gin-gonic/gin"
)

// ContextUserID is the gin context key holding the authenticated caller.
const ContextUserID = "user_id"

func JwtAuth(authenticator auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			unauthorized(c, "缺少Authorization头")
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			unauthorized(c, "Authorization格式错误")
			return
		}
		userID, err := authenticator.Identify(c.Request.Context(), parts[1])
		if err != nil || userID == "" {
			unauthorized(c, "无效的令牌")
			return
		}
		c.Set(ContextUserID, userID)
		c.Next()
	}
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, protocol.ErrorResponse{
		Code:  protocol.CodeUnauthenticated,
		Error: msg,
	})
}
