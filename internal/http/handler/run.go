package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"pricewave.io/engine/internal/dlq"
	"pricewave.io/engine/internal/http/dto"
	"pricewave.io/engine/internal/reconcile"
	"pricewave.io/engine/internal/service"
	"pricewave.io/engine/internal/store"
)

const traceIDHeader = "X-Trace-ID"

type RunHandler struct {
	runs      service.RunService
	dlq       dlq.Service
	reconcile reconcile.Service
}

func NewRunHandler(runs service.RunService, dlqSvc dlq.Service, reconcileSvc reconcile.Service) *RunHandler {
	return &RunHandler{
		runs:      runs,
		dlq:       dlqSvc,
		reconcile: reconcileSvc,
	}
}

func (h *RunHandler) Create(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid create run request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	traceID := c.GetHeader(traceIDHeader)
	if traceID == "" {
		if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
			traceID = spanCtx.TraceID().String()
		} else {
			// Every run carries a correlation id even when tracing is off.
			traceID = uuid.NewString()
		}
	}

	run, err := h.runs.CreateRun(ctx, req.ToInput(&traceID))
	if err != nil {
		if errors.Is(err, service.ErrInvalidRun) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.ErrorContext(ctx, "failed to create run", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create run"})
		return
	}

	c.JSON(http.StatusAccepted, dto.CreateRunResponse{
		RunID:       run.ID,
		Status:      run.Status,
		TargetCount: len(req.Targets),
	})
}

func (h *RunHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()

	runID, err := pathID(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}

	detail, err := h.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to load run", "error", err, "run_id", runID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run"})
		return
	}

	c.JSON(http.StatusOK, detail)
}

func (h *RunHandler) Retry(c *gin.Context) {
	ctx := c.Request.Context()

	runID, err := pathID(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}

	var req dto.RetryRunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	requeued, err := h.dlq.RetryFailed(ctx, runID, req.TargetIDs...)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		case errors.Is(err, dlq.ErrNoFailedTargets):
			c.JSON(http.StatusConflict, gin.H{"error": "run has no retryable failed targets"})
		default:
			slog.ErrorContext(ctx, "failed to retry run", "error", err, "run_id", runID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retry run"})
		}
		return
	}

	c.JSON(http.StatusAccepted, dto.RetryResponse{RunID: runID, Requeued: requeued})
}

func (h *RunHandler) Reconcile(c *gin.Context) {
	ctx := c.Request.Context()

	runID, err := pathID(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}

	report, err := h.reconcile.ReconcileRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to reconcile run", "error", err, "run_id", runID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reconcile run"})
		return
	}

	c.JSON(http.StatusOK, report)
}

func (h *RunHandler) ReconcileRetry(c *gin.Context) {
	ctx := c.Request.Context()

	runID, err := pathID(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}

	requeued, err := h.reconcile.RetryMismatches(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to retry mismatches", "error", err, "run_id", runID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retry mismatches"})
		return
	}

	c.JSON(http.StatusAccepted, dto.RetryResponse{RunID: runID, Requeued: requeued})
}

func pathID(c *gin.Context, name string) (int64, error) {
	return strconv.ParseInt(c.Param(name), 10, 64)
}
