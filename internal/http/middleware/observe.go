package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/smriti-backend/internal/observability"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
)

// Observe logs each ops request and records it in m when metrics are on.
// Health and metrics routes log at debug so scrapes do not flood the output.
func Observe(log *logger.Logger, m *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		m.ObserveAPI(c.Request.Method, route, strconv.Itoa(status), elapsed)

		if log == nil {
			return
		}
		fields := []interface{}{
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
		}
		if id := c.Param("id"); id != "" {
			fields = append(fields, "job_id", id)
		}
		if user := c.Query("user_id"); user != "" {
			fields = append(fields, "user_id", user)
		}
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
			fields = append(fields, "trace_id", sc.TraceID().String())
		}

		switch {
		case status >= 500:
			log.Error("ops request failed", fields...)
		case status >= 400:
			log.Warn("ops request rejected", fields...)
		case route == "/healthz" || route == "/metrics":
			log.Debug("ops scrape", fields...)
		default:
			log.Info("ops request", fields...)
		}
	}
}
