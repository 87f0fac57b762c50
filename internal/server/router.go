package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yungbote/jobstream/internal/handlers"
	"github.com/yungbote/jobstream/internal/middleware"
)

type RouterConfig struct {
	Mode           string // gin mode: debug | release
	AllowOrigins   []string
	AuthMiddleware *middleware.AuthMiddleware
	JobsHandler    *handlers.JobsHandler
	StreamHandler  *handlers.StreamHandler
	StatusHandler  *handlers.StatusHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	if len(cfg.AllowOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
			AllowCredentials: true,
		}))
	}

	// ===============
	// || Public    ||
	// ===============
	router.GET("/healthcheck", handlers.HealthCheck)

	// ===============
	// || Protected ||
	// ===============
	v1 := router.Group("/v1")
	v1.Use(cfg.AuthMiddleware.RequireAuth())

	v1.GET("/engine/status", cfg.StatusHandler.Get)
	v1.GET("/events", cfg.StreamHandler.Stream)

	v1.POST("/jobs", cfg.JobsHandler.Create)
	v1.GET("/jobs", cfg.JobsHandler.List)
	v1.GET("/jobs/:id", cfg.JobsHandler.Get)
	v1.POST("/jobs/:id/submit", cfg.JobsHandler.Submit)
	v1.POST("/jobs/:id/cancel", cfg.JobsHandler.Cancel)
	v1.POST("/jobs/:id/archive", cfg.JobsHandler.Archive)
	v1.GET("/jobs/:id/receipt", cfg.JobsHandler.Receipt)
	v1.GET("/jobs/:id/artifacts", cfg.JobsHandler.Artifacts)

	return router
}
