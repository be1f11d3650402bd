package router

import (
	"github.com/gin-gonic/gin"

	"pricewave.io/engine/internal/http/handler"
)

func EventRouter(rg *gin.RouterGroup, h *handler.EventHandler) {
	rg.POST("/replay", h.Replay)
	rg.GET("/stats", h.Stats)
	rg.GET("/integrity", h.Integrity)
	rg.GET("/correlation/:correlation_id", h.Correlation)
}
