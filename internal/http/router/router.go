package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pricewave.io/engine/internal/http/handler"
)

type RouterConfig struct {
	AdminAPIKey string
}

type Handlers struct {
	Runs   *handler.RunHandler
	Events *handler.EventHandler
	DLQ    *handler.DLQHandler
}

func SetupRoutes(router *gin.Engine, h Handlers, cfg RouterConfig) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(AdminAuth(cfg.AdminAPIKey))
	{
		RunRouter(v1.Group("/runs"), h.Runs)
		EventRouter(v1.Group("/events"), h.Events)
		DLQRouter(v1, h.DLQ)
	}
}
