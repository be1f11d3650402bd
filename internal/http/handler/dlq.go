package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"pricewave.io/engine/internal/dlq"
	"pricewave.io/engine/internal/model"
	"pricewave.io/engine/internal/store"
)

// DLQRetrier reschedules a dead-lettered event for delivery. Implemented by
// the outbox dispatcher.
type DLQRetrier interface {
	RetryFromDLQ(ctx context.Context, dlqEventID int64) (*model.OutboxEntry, error)
}

type DLQHandler struct {
	dlq     dlq.Service
	retrier DLQRetrier
}

func NewDLQHandler(dlqSvc dlq.Service, retrier DLQRetrier) *DLQHandler {
	return &DLQHandler{dlq: dlqSvc, retrier: retrier}
}

func (h *DLQHandler) Report(c *gin.Context) {
	ctx := c.Request.Context()

	projectID, err := pathID(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return
	}

	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}

	report, err := h.dlq.Drain(ctx, tenantID, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to build dlq report", "error", err, "project_id", projectID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build dlq report"})
		return
	}

	c.JSON(http.StatusOK, report)
}

func (h *DLQHandler) Stale(c *gin.Context) {
	ctx := c.Request.Context()

	entries, err := h.dlq.StaleEntries(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list stale dlq entries", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list stale entries"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"count": len(entries), "entries": entries})
}

func (h *DLQHandler) RetryEvent(c *gin.Context) {
	ctx := c.Request.Context()

	dlqEventID, err := pathID(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dlq event id"})
		return
	}

	entry, err := h.retrier.RetryFromDLQ(ctx, dlqEventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "dlq event not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to retry dlq event", "error", err, "dlq_event_id", dlqEventID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retry dlq event"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"dlq_event_id":    dlqEventID,
		"outbox_entry_id": entry.ID,
	})
}

func (h *DLQHandler) Purge(c *gin.Context) {
	ctx := c.Request.Context()

	deleted, err := h.dlq.PurgeOld(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to purge dlq entries", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to purge entries"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}
