package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/setanarut/depthlayer/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Context keys handlers set so the request line carries pipeline outcome.
const (
	CacheHitKey    = "cache_hit"
	LayerCountKey  = "layers"
	FailedStageKey = "failed_stage"
)

// Logger writes one structured line per request. 4xx responses log at Warn,
// 5xx at Error; health checks log at Debug.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("request_id", c.GetString(RequestIDKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.String("ip", c.ClientIP()),
			zap.Duration("cost", time.Since(start)),
		}
		if v, ok := c.Get(CacheHitKey); ok {
			fields = append(fields, zap.Bool(CacheHitKey, v.(bool)))
		}
		if v, ok := c.Get(LayerCountKey); ok {
			fields = append(fields, zap.Int(LayerCountKey, v.(int)))
		}
		if v := c.GetString(FailedStageKey); v != "" {
			fields = append(fields, zap.String(FailedStageKey, v))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		level := zapcore.InfoLevel
		switch {
		case status >= http.StatusInternalServerError:
			level = zapcore.ErrorLevel
		case status >= http.StatusBadRequest:
			level = zapcore.WarnLevel
		case path == "/api/health":
			level = zapcore.DebugLevel
		}
		if ce := utils.Logger.Check(level, "request"); ce != nil {
			ce.Write(fields...)
		}
	}
}
