// Package middleware holds the gin middleware shared by the agent's
// HTTP surface.
package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"peercall-engine/pkg/logger"
	"peercall-engine/pkg/response"
)

// Recovery recovers from handler panics and returns a 500
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("handler panic recovered",
					zap.Any("panic", err),
					zap.String("path", c.Request.URL.Path))
				response.InternalError(c, "Internal server error")
				c.Abort()
			}
		}()
		c.Next()
	}
}
