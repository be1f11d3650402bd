package router

import (
	"github.com/gin-gonic/gin"

	"pricewave.io/engine/internal/http/handler"
)

func DLQRouter(rg *gin.RouterGroup, h *handler.DLQHandler) {
	rg.GET("/projects/:id/dlq-report", h.Report)
	rg.GET("/dlq/stale", h.Stale)
	rg.POST("/dlq/events/:id/retry", h.RetryEvent)
	rg.POST("/dlq/purge", h.Purge)
}
