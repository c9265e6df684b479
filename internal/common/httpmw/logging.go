package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/csmhq/csm/internal/common/logger"
)

// quietPaths are polled by workers and dashboards; logging every hit at
// completion would drown everything else.
var quietPaths = map[string]bool{
	"/api/health": true,
}

// RequestLogger logs one line per completed request. Session-scoped routes
// (":name" param, or ?name= on the CLI WebSocket upgrade) carry the session
// name so request logs correlate with the session manager's.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	scoped := log.WithFields(zap.String("server", serverName))
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := c.Writer.Status()
		if quietPaths[path] && status < 400 {
			return
		}

		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("bytes", size),
			zap.String("client_ip", c.ClientIP()),
		}
		if name := c.Param("name"); name == "" {
			if name = c.Query("name"); name != "" {
				fields = append(fields, zap.String("session", name))
			}
		} else {
			fields = append(fields, zap.String("session", name))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			scoped.Error("http request", fields...)
		case status >= 400:
			scoped.Warn("http request", fields...)
		default:
			scoped.Debug("http request", fields...)
		}
	}
}
