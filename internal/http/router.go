package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/smriti-backend/internal/http/handlers"
	httpMW "github.com/yungbote/smriti-backend/internal/http/middleware"
	"github.com/yungbote/smriti-backend/internal/observability"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log         *logger.Logger
	ServiceName string
	Metrics     *observability.Metrics

	HealthHandler *httpH.HealthHandler
	GraphHandler  *httpH.GraphHandler
	JobHandler    *httpH.JobHandler
}

// NewRouter builds the operations surface: health, metrics, pipeline state,
// reflection housekeeping and job enqueue.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.Observe(cfg.Log, cfg.Metrics))

	if cfg.HealthHandler != nil {
		r.GET("/healthz", cfg.HealthHandler.HealthCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	} else {
		r.GET("/metrics", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	}
	if cfg.GraphHandler != nil {
		r.GET("/stats", cfg.GraphHandler.Stats)
		r.GET("/errors", cfg.GraphHandler.ListErrors)
		r.GET("/reflections", cfg.GraphHandler.ListReflections)
		r.DELETE("/reflections/:id", cfg.GraphHandler.DeleteReflection)
	}
	if cfg.JobHandler != nil {
		r.POST("/jobs", cfg.JobHandler.Enqueue)
		r.GET("/jobs/:id", cfg.JobHandler.GetJob)
		r.POST("/jobs/:id/cancel", cfg.JobHandler.CancelJob)
	}
	return r
}
