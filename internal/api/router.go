package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmy/contentport/internal/api/handler"
	"github.com/timmy/contentport/internal/api/middleware"
	"github.com/timmy/contentport/internal/config"
	"github.com/timmy/contentport/internal/logger"
)

// Dependencies are the collaborators the router exposes.
type Dependencies struct {
	Imports handler.ImportController
	Uploads handler.UploadStore
	// DB is pinged by /health. Optional.
	DB handler.Pinger
	// Metrics serves /metrics. Optional.
	Metrics http.Handler
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps Dependencies, cfg *config.ServerConfig, log *logger.Logger) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(cfg.CORS))

	healthHandler := handler.NewHealthHandler(deps.DB)
	importHandler := handler.NewImportHandler(deps.Imports, deps.Uploads, cfg.MaxUploadMB)

	r.GET("/health", healthHandler.Health)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	v1 := r.Group("/api/v1")
	{
		imports := v1.Group("/imports")
		imports.POST("", importHandler.Create)
		imports.POST("/upload", importHandler.Upload)
		imports.GET("", importHandler.List)
		imports.GET("/:id", importHandler.Get)
		imports.GET("/:id/issues", importHandler.Issues)
		imports.GET("/:id/diff", importHandler.Diff)
		imports.GET("/:id/redirects", importHandler.Redirects)
		imports.PUT("/:id/config", importHandler.UpdateConfig)
		imports.POST("/:id/dry-run", importHandler.DryRun)
		imports.POST("/:id/start", importHandler.Start)
		imports.POST("/:id/resume", importHandler.Resume)
		imports.POST("/:id/cancel", importHandler.Cancel)
		imports.POST("/:id/rollback", importHandler.Rollback)
		imports.POST("/:id/prune", importHandler.Prune)

		v1.GET("/redirects", importHandler.AllRedirects)
	}

	return r
}
