package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"pricewave.io/engine/internal/http/dto"
	"pricewave.io/engine/internal/replay"
)

type EventHandler struct {
	replay replay.Service
}

func NewEventHandler(replaySvc replay.Service) *EventHandler {
	return &EventHandler{replay: replaySvc}
}

func (h *EventHandler) Replay(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.ReplayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid replay request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := h.replay.Replay(ctx, req.ToFilter())
	if err != nil {
		slog.ErrorContext(ctx, "replay failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "replay failed"})
		return
	}

	c.JSON(http.StatusOK, report)
}

func (h *EventHandler) Stats(c *gin.Context) {
	ctx := c.Request.Context()

	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}

	stats, err := h.replay.EventStats(ctx, tenantID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load event stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load event stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tenant_id": tenantID, "counts": stats})
}

func (h *EventHandler) Integrity(c *gin.Context) {
	ctx := c.Request.Context()

	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}

	report, err := h.replay.VerifyIntegrity(ctx, tenantID)
	if err != nil {
		slog.ErrorContext(ctx, "integrity check failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "integrity check failed"})
		return
	}

	status := http.StatusOK
	if !report.Clean() {
		status = http.StatusConflict
	}
	c.JSON(status, report)
}

func (h *EventHandler) Correlation(c *gin.Context) {
	ctx := c.Request.Context()

	tenantID := c.Query("tenant_id")
	correlationID := c.Param("correlation_id")
	if tenantID == "" || correlationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id and correlation_id are required"})
		return
	}

	events, err := h.replay.EventsByCorrelation(ctx, tenantID, correlationID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load correlated events", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load correlated events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"correlation_id": correlationID, "events": events})
}
