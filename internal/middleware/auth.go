package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/jobstream/internal/pkg/logger"
)

// AuthMiddleware checks opaque bearer tokens. Tokens are compared in
// constant time and are never logged; the logger scrubs the js_ prefix
// pattern as a second line of defense.
type AuthMiddleware struct {
	log    *logger.Logger
	tokens []string
}

func NewAuthMiddleware(log *logger.Logger, tokens []string) *AuthMiddleware {
	return &AuthMiddleware{
		log:    log.With("Middleware", "AuthMiddleware"),
		tokens: tokens,
	}
}

// Enabled reports whether any token is configured. With no tokens the
// middleware passes everything through (local single-user mode).
func (am *AuthMiddleware) Enabled() bool { return len(am.tokens) > 0 }

func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !am.Enabled() {
			c.Next()
			return
		}
		token := extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid token"})
			return
		}
		for _, want := range am.tokens {
			if subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1 {
				c.Next()
				return
			}
		}
		am.log.Warn("Rejected request with unknown token", "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid token"})
	}
}

// extractToken accepts the Authorization header or a token query param.
// The query form exists because EventSource cannot set headers.
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return authHeader[7:]
	}
	if qToken := c.Query("token"); qToken != "" {
		return qToken
	}
	return ""
}
