package middleware

import (
	"time"

	"castrelay/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RequestLogger logs one line per request. Upgraded websocket requests are
// logged once the connection ends.
func RequestLogger(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		cl.LogRequest(c.Request.Context(), c.Request.Method, c.Request.URL.Path,
			c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
