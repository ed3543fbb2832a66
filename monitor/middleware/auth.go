package middleware

import (
	"net/http"
	"time"

	"github.com/Gonzales-Franz-Reinaldo/sistema-deteccion-somnolencia/monitor/auth"
	"github.com/Gonzales-Franz-Reinaldo/sistema-deteccion-somnolencia/monitor/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SessionSource exposes the agent's authenticated session.
type SessionSource interface {
	Session() (auth.Session, error)
}

type AuthMiddleware struct {
	sessions SessionSource
	logger   *zap.Logger
	now      func() time.Time
}

func NewAuthMiddleware(sessions SessionSource, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		sessions: sessions,
		logger:   logger,
		now:      time.Now,
	}
}

// RequireRole lets the request through only while the agent holds an
// unexpired session with one of roles.
func (a *AuthMiddleware) RequireRole(roles ...models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := a.sessions.Session()
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "No authenticated session"})
			c.Abort()
			return
		}

		if session.Expired(a.now()) {
			a.logger.Warn("Session token expired", zap.Time("expires_at", session.ExpiresAt))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Session expired"})
			c.Abort()
			return
		}

		if !session.HasRole(roles...) {
			a.logger.Warn("Insufficient role for session route",
				zap.String("role", string(session.Role)),
				zap.String("path", c.Request.URL.Path),
				zap.String("client_ip", c.ClientIP()))
			c.JSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
			c.Abort()
			return
		}

		c.Set("username", session.Username)
		c.Set("role", string(session.Role))
		c.Next()
	}
}
