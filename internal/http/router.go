package http

import (
	"github.com/gin-gonic/gin"

	httpH "github.com/yungbote/codegraph-triangulation/internal/http/handlers"
	httpMW "github.com/yungbote/codegraph-triangulation/internal/http/middleware"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
)

type RouterConfig struct {
	Log          *logger.Logger
	AllowOrigins []string

	HealthHandler *httpH.HealthHandler
	RunHandler    *httpH.RunHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.AttachTraceContext())
	if cfg.Log != nil {
		r.Use(httpMW.RequestLogger(cfg.Log))
	}
	r.Use(httpMW.CORS(cfg.AllowOrigins))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthz", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	{
		// Runs
		if cfg.RunHandler != nil {
			api.POST("/runs", cfg.RunHandler.CreateRun)
			api.GET("/runs/:id/summary", cfg.RunHandler.GetSummary)
			api.GET("/runs/:id/dead-letters", cfg.RunHandler.ListDeadLetters)
			api.GET("/runs/:id/relationships/:hash", cfg.RunHandler.GetRelationship)
			api.POST("/runs/:id/force-reconcile", cfg.RunHandler.ForceReconcile)
		}
	}

	return r
}
