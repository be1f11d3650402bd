package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"pricewave.io/engine/common/logger"
	"pricewave.io/engine/core/config"
	"pricewave.io/engine/internal/backoff"
	"pricewave.io/engine/internal/connector"
	"pricewave.io/engine/internal/ledger"
	"pricewave.io/engine/internal/metrics"
	"pricewave.io/engine/internal/model"
	"pricewave.io/engine/internal/queue"
	"pricewave.io/engine/internal/store"
)

// ReconcileScheduler is notified when a run finishes with prices applied so
// a later reconciliation pass can verify them.
type ReconcileScheduler interface {
	Schedule(ctx context.Context, runID int64, tenantID string, projectID int64)
}

// Processor executes price runs: it fans targets out to channel connectors
// with bounded concurrency, retries transient failures per target, and
// derives the run's terminal status from its targets.
type Processor struct {
	stores      store.Provider
	ledger      ledger.Service
	connectors  *connector.Registry
	metrics     metrics.Recorder
	monitor     *RateLimitMonitor
	scheduler   ReconcileScheduler
	cfg         config.RunnerConfig
	backoffOpts backoff.Options
	logger      *slog.Logger
}

func NewProcessor(
	stores store.Provider,
	ledgerSvc ledger.Service,
	connectors *connector.Registry,
	recorder metrics.Recorder,
	scheduler ReconcileScheduler,
	cfg config.RunnerConfig,
	backoffOpts backoff.Options,
	log *slog.Logger,
) *Processor {
	if log == nil {
		log = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NewNoOp()
	}
	return &Processor{
		stores:      stores,
		ledger:      ledgerSvc,
		connectors:  connectors,
		metrics:     recorder,
		monitor:     NewRateLimitMonitor(),
		scheduler:   scheduler,
		cfg:         cfg,
		backoffOpts: backoffOpts,
		logger:      log,
	}
}

// ProcessRun handles one run message. A nil return acks the message; an
// error leaves it for requeue or the queue DLQ.
func (p *Processor) ProcessRun(ctx context.Context, msg queue.Message) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		RunID:     &msg.RunID,
		ProjectID: &msg.ProjectID,
		TenantID:  &msg.TenantID,
		Component: "engine.runner",
	})

	run, err := p.stores.Runs().GetByID(ctx, msg.RunID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.logger.WarnContext(ctx, "run not found, dropping message", "run_id", msg.RunID)
			return nil
		}
		return fmt.Errorf("loading run: %w", err)
	}

	targets, err := p.stores.Targets().ListQueuedByRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("listing queued targets: %w", err)
	}

	if len(targets) > 0 {
		p.logger.InfoContext(ctx, "processing run",
			"target_count", len(targets),
			"attempt", msg.Attempt)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.MaxConcurrency)
		for i := range targets {
			target := targets[i]
			g.Go(func() error {
				return p.processTarget(gctx, run, target)
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("processing targets: %w", err)
		}
	}

	return p.finalizeRun(ctx, run)
}

// processTarget applies one price to its channel. Channel failures are
// recorded on the target and never propagate; only infrastructure errors
// (database writes) abort the run message.
func (p *Processor) processTarget(ctx context.Context, run *model.Run, target model.Target) error {
	claimed, err := p.stores.Targets().ClaimQueued(ctx, target.ID)
	if err != nil {
		return fmt.Errorf("claiming target %d: %w", target.ID, err)
	}
	if !claimed {
		p.logger.InfoContext(ctx, "target not claimable, skipping", "target_id", target.ID)
		return nil
	}

	conn, err := p.connectors.Get(target.Channel)
	if err != nil {
		code := "NO_CONNECTOR"
		if markErr := p.stores.Targets().MarkFailed(ctx, target.ID, err.Error(), &code, 0, time.Now()); markErr != nil {
			return fmt.Errorf("marking target %d failed: %w", target.ID, markErr)
		}
		p.metrics.RecordTarget(ctx, target.Channel, string(model.TargetStatusFailed))
		return nil
	}

	var (
		attempts int32
		snapshot *model.PriceSnapshot
	)

	applyErr := backoff.Retry(ctx, func(ctx context.Context) error {
		attempts++
		var err error
		snapshot, err = conn.ApplyPrice(ctx, connector.ApplyRequest{
			ExternalID: target.ExternalID,
			VariantID:  target.VariantID,
			PriceCents: target.PriceCents,
			Currency:   target.Currency,
		})
		if backoff.IsRateLimited(err) {
			p.recordRateLimit(ctx, run.ProjectID)
		}
		return err
	}, p.cfg.MaxRetries, p.backoffOpts)

	now := time.Now()
	if applyErr != nil {
		var codePtr *string
		if code := backoff.CodeOf(applyErr); code != "" {
			codePtr = &code
		}
		if markErr := p.stores.Targets().MarkFailed(ctx, target.ID, applyErr.Error(), codePtr, attempts, now); markErr != nil {
			return fmt.Errorf("marking target %d failed: %w", target.ID, markErr)
		}
		p.metrics.RecordTarget(ctx, target.Channel, string(model.TargetStatusFailed))
		p.logger.WarnContext(ctx, "target failed",
			"target_id", target.ID,
			"channel", target.Channel,
			"attempts", attempts,
			"error", applyErr)
		return nil
	}

	afterJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal price snapshot: %w", err)
	}
	if err := p.stores.Targets().MarkApplied(ctx, target.ID, afterJSON, attempts, now); err != nil {
		return fmt.Errorf("marking target %d applied: %w", target.ID, err)
	}
	p.metrics.RecordTarget(ctx, target.Channel, string(model.TargetStatusApplied))

	payload, err := json.Marshal(map[string]any{
		"run_id":      run.ID,
		"target_id":   target.ID,
		"product_id":  target.ProductID,
		"channel":     target.Channel,
		"external_id": target.ExternalID,
		"price_cents": snapshot.PriceCents,
		"currency":    snapshot.Currency,
		"attempts":    attempts,
	})
	if err != nil {
		return fmt.Errorf("marshal target event payload: %w", err)
	}

	if _, err := p.ledger.WriteEventWithOutbox(ctx, model.EventPayload{
		EventKey:  fmt.Sprintf("run-%d-target-%d-applied", run.ID, target.ID),
		TenantID:  run.TenantID,
		EventType: model.EventTypePriceChangeApplied,
		Payload:   payload,
		ProjectID: &run.ProjectID,
	}); err != nil {
		return fmt.Errorf("recording target event: %w", err)
	}

	return nil
}

func (p *Processor) finalizeRun(ctx context.Context, run *model.Run) error {
	all, err := p.stores.Targets().ListByRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("listing run targets: %w", err)
	}
	if !model.Terminal(all) {
		return fmt.Errorf("run %d has non-terminal targets", run.ID)
	}

	status := model.DeriveRunStatus(all)
	finishedAt := time.Now()
	if err := p.stores.Runs().MarkFinished(ctx, run.ID, status, finishedAt); err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}

	applied, failed := 0, 0
	for _, t := range all {
		switch t.Status {
		case model.TargetStatusApplied:
			applied++
		case model.TargetStatusFailed:
			failed++
		}
	}

	payload, err := json.Marshal(map[string]any{
		"run_id":          run.ID,
		"project_id":      run.ProjectID,
		"rule_id":         run.RuleID,
		"status":          status,
		"targets_total":   len(all),
		"targets_applied": applied,
		"targets_failed":  failed,
	})
	if err != nil {
		return fmt.Errorf("marshal run event payload: %w", err)
	}

	eventType := model.EventTypePriceChangeApplied
	if run.RuleID != nil {
		eventType = model.EventTypePriceChangeRuleApplied
	}

	if _, err := p.ledger.WriteEventWithOutbox(ctx, model.EventPayload{
		EventKey:  fmt.Sprintf("run-%d-finished", run.ID),
		TenantID:  run.TenantID,
		EventType: eventType,
		Payload:   payload,
		ProjectID: &run.ProjectID,
	}); err != nil {
		return fmt.Errorf("recording run event: %w", err)
	}

	p.metrics.RecordRun(ctx, string(status), finishedAt.Sub(run.QueuedAt))
	p.logger.InfoContext(ctx, "run finished",
		"status", status,
		"targets_total", len(all),
		"targets_applied", applied,
		"targets_failed", failed)

	if p.scheduler != nil && p.cfg.EnableReconciliation &&
		(status == model.RunStatusApplied || status == model.RunStatusPartial) {
		p.scheduler.Schedule(ctx, run.ID, run.TenantID, run.ProjectID)
	}

	return nil
}

func (p *Processor) recordRateLimit(ctx context.Context, projectID int64) {
	p.metrics.RecordRateLimitHit(ctx, projectID)
	if p.monitor.Record(projectID, time.Now()) {
		p.metrics.RecordRateLimitBurst(ctx, projectID)
		p.logger.ErrorContext(ctx, "rate limit burst detected",
			"project_id", projectID,
			"hits_in_window", p.monitor.Count(projectID, time.Now()),
			"window", burstWindow.String())
	}
}
