package api

import (
	"net/http"

	"ffgif/config"
	"ffgif/task"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func SetupRouter(tm *task.Manager, cfg *config.Config, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")

	r := gin.New()
	r.Use(TraceID(), RequestLogger(logger), Recovery(logger), cors.Default())
	h := NewHandler(tm, cfg, logger)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/jobs", h.handleCreateJob)
		v1.GET("/jobs", h.handleListJobs)
		v1.GET("/jobs/:jobId", h.handleGetJobStatus)
		v1.GET("/jobs/:jobId/preview", h.handlePreview)

		// Artifact names are unguessable, but downloads stay behind auth for consistency.
		v1.GET("/files/:filename", h.handleGetFile)
	}
	return r
}
