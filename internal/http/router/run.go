package router

import (
	"github.com/gin-gonic/gin"

	"pricewave.io/engine/internal/http/handler"
)

func RunRouter(rg *gin.RouterGroup, h *handler.RunHandler) {
	rg.POST("", h.Create)
	rg.GET("/:id", h.Get)
	rg.POST("/:id/retry", h.Retry)
	rg.POST("/:id/reconcile", h.Reconcile)
	rg.POST("/:id/reconcile/retry", h.ReconcileRetry)
}
