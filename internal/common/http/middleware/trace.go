package middleware

import (
	"context"
	"strings"
	"time"

	"runbox/pkg/utils/contextkey"
	"runbox/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	traceIDHeader   = "X-Trace-Id"
	requestIDHeader = "X-Request-Id"
)

// TraceContextMiddleware ensures trace and request ids are in context and response headers.
func TraceContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		setID(c, traceIDHeader, contextkey.TraceID)
		setID(c, requestIDHeader, contextkey.RequestID)
		c.Next()
	}
}

func setID(c *gin.Context, header string, key interface{ Name() string }) {
	id := strings.TrimSpace(c.GetHeader(header))
	if id == "" || len(id) > 128 {
		id = uuid.NewString()
	}
	c.Set(key.Name(), id)
	c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), key, id))
	c.Writer.Header().Set(header, id)
}

// RequestLogger logs one line per request after the handler chain completes.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info(c.Request.Context(), "http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
