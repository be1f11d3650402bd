package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pricewave.io/engine/common/id"
	"pricewave.io/engine/common/logger"
	"pricewave.io/engine/core/config"
	"pricewave.io/engine/internal/backoff"
	"pricewave.io/engine/internal/ledger"
	"pricewave.io/engine/internal/metrics"
	"pricewave.io/engine/internal/model"
	"pricewave.io/engine/internal/store"
)

// Dispatcher polls the outbox for due entries and delivers their events to
// the registered subscribers. Retryable failures are rescheduled with
// exponential backoff; exhausted or non-retryable entries are dead-lettered
// together with the FAILED status flip in one transaction.
type Dispatcher struct {
	stores   store.Provider
	txRunner store.TxRunner
	ledger   ledger.Service
	registry *Registry
	metrics  metrics.Recorder
	cfg      config.OutboxConfig
	logger   *slog.Logger

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewDispatcher(
	stores store.Provider,
	txRunner store.TxRunner,
	ledgerSvc ledger.Service,
	registry *Registry,
	recorder metrics.Recorder,
	cfg config.OutboxConfig,
	log *slog.Logger,
) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NewNoOp()
	}
	return &Dispatcher{
		stores:    stores,
		txRunner:  txRunner,
		ledger:    ledgerSvc,
		registry:  registry,
		metrics:   recorder,
		cfg:       cfg,
		logger:    log,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run polls until Stop is called or the context ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "engine.outbox.dispatcher",
	})

	defer close(d.stoppedCh)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	sweep := time.NewTicker(d.stuckThreshold())
	defer sweep.Stop()

	d.logger.InfoContext(ctx, "outbox dispatcher started",
		"poll_interval", d.cfg.PollInterval,
		"batch_size", d.cfg.BatchSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopCh:
			d.logger.InfoContext(ctx, "outbox dispatcher stopping")
			return nil
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil {
				d.logger.ErrorContext(ctx, "dispatch cycle error", "error", err)
			}
		case <-sweep.C:
			if _, err := d.ReleaseStuck(ctx); err != nil {
				d.logger.ErrorContext(ctx, "stuck entry sweep error", "error", err)
			}
		}
	}
}

func (d *Dispatcher) stuckThreshold() time.Duration {
	if d.cfg.StuckThreshold > 0 {
		return d.cfg.StuckThreshold
	}
	return 5 * time.Minute
}

// ReleaseStuck returns PROCESSING entries older than the stuck threshold to
// PENDING. An entry stays PROCESSING when its owner dies between the claim
// and the completion write; ListDue would otherwise never see it again.
func (d *Dispatcher) ReleaseStuck(ctx context.Context) (int64, error) {
	released, err := d.stores.Outbox().ResetStaleProcessing(ctx, time.Now().Add(-d.stuckThreshold()))
	if err != nil {
		return 0, fmt.Errorf("releasing stuck entries: %w", err)
	}
	if released > 0 {
		d.logger.WarnContext(ctx, "stuck outbox entries released", "count", released)
	}
	return released, nil
}

func (d *Dispatcher) Stop() {
	close(d.stopCh)
	<-d.stoppedCh
}

// DispatchOnce processes one batch of due entries and returns how many were
// delivered successfully.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	entries, err := d.stores.Outbox().ListDue(ctx, time.Now(), int32(d.cfg.BatchSize))
	if err != nil {
		return 0, fmt.Errorf("listing due entries: %w", err)
	}

	delivered := 0
	for i := range entries {
		if err := d.processEntry(ctx, &entries[i]); err != nil {
			d.logger.ErrorContext(ctx, "entry processing error",
				"error", err,
				"outbox_entry_id", entries[i].ID)
			continue
		}
		delivered++
	}

	return delivered, nil
}

// processEntry delivers one entry. Returned errors are infrastructure
// failures; delivery failures are absorbed into retry scheduling or the DLQ.
func (d *Dispatcher) processEntry(ctx context.Context, entry *model.OutboxEntry) error {
	if err := d.stores.Outbox().MarkProcessing(ctx, entry.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("marking entry processing: %w", err)
	}

	event, err := d.stores.EventLogs().GetByID(ctx, entry.EventLogID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// An outbox entry without its ledger row should be impossible,
			// the two are written in one transaction.
			return d.deadLetter(ctx, entry, "event log entry missing")
		}
		return fmt.Errorf("loading event: %w", err)
	}

	start := time.Now()
	deliverErr := d.deliver(ctx, *event)
	duration := time.Since(start)

	if deliverErr == nil {
		if err := d.stores.Outbox().MarkCompleted(ctx, entry.ID, time.Now()); err != nil {
			return fmt.Errorf("marking entry completed: %w", err)
		}
		d.metrics.RecordDelivery(ctx, "success", duration)
		d.logger.InfoContext(ctx, "event delivered",
			"event_log_id", event.ID,
			"event_type", event.EventType,
			"retry_count", entry.RetryCount)
		return nil
	}

	d.metrics.RecordDelivery(ctx, "error", duration)

	if !backoff.IsRetryable(deliverErr) || entry.RetryCount >= entry.MaxRetries {
		return d.deadLetter(ctx, entry, deliverErr.Error())
	}

	nextRetryAt := d.ledger.NextRetryAt(time.Now(), entry.RetryCount)
	if err := d.stores.Outbox().ScheduleRetry(ctx, entry.ID, entry.RetryCount+1, nextRetryAt, deliverErr.Error()); err != nil {
		return fmt.Errorf("scheduling retry: %w", err)
	}

	d.logger.WarnContext(ctx, "delivery failed, retry scheduled",
		"event_log_id", event.ID,
		"retry_count", entry.RetryCount+1,
		"next_retry_at", nextRetryAt,
		"error", deliverErr)
	return nil
}

// deliver fans the event out. The first subscriber error aborts the rest so
// the whole entry is retried; subscribers tolerate redelivery.
func (d *Dispatcher) deliver(ctx context.Context, event model.EventLogEntry) error {
	subs := d.registry.For(event.EventType)
	if len(subs) == 0 {
		d.logger.DebugContext(ctx, "no subscribers for event type", "event_type", event.EventType)
		return nil
	}

	for _, sub := range subs {
		if err := sub.Handle(ctx, event); err != nil {
			return fmt.Errorf("subscriber %s: %w", sub.Name, err)
		}
	}
	return nil
}

// deadLetter flips the entry to FAILED and records the DLQ row atomically.
func (d *Dispatcher) deadLetter(ctx context.Context, entry *model.OutboxEntry, reason string) error {
	err := d.txRunner.WithTx(ctx, func(sp store.Provider) error {
		if err := sp.Outbox().MarkFailed(ctx, entry.ID, reason); err != nil {
			return fmt.Errorf("marking entry failed: %w", err)
		}
		if _, err := sp.DlqEvents().Create(ctx, &model.DlqEvent{
			ID:            id.New(),
			EventLogID:    entry.EventLogID,
			OutboxEntryID: entry.ID,
			RetryCount:    entry.RetryCount,
			FailureReason: reason,
		}); err != nil {
			return fmt.Errorf("creating dlq event: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	d.metrics.RecordDLQDepth(ctx, 1)
	d.logger.ErrorContext(ctx, "event dead-lettered",
		"outbox_entry_id", entry.ID,
		"event_log_id", entry.EventLogID,
		"retry_count", entry.RetryCount,
		"reason", logger.Truncate(reason, 500))
	return nil
}

// RetryFromDLQ deletes the dead-letter row and schedules a fresh delivery
// for its event with a zeroed retry budget, both in one transaction.
func (d *Dispatcher) RetryFromDLQ(ctx context.Context, dlqEventID int64) (*model.OutboxEntry, error) {
	var fresh *model.OutboxEntry
	err := d.txRunner.WithTx(ctx, func(sp store.Provider) error {
		dlqEvent, err := sp.DlqEvents().GetByID(ctx, dlqEventID)
		if err != nil {
			return fmt.Errorf("loading dlq event: %w", err)
		}

		if err := sp.DlqEvents().Delete(ctx, dlqEvent.ID); err != nil {
			return fmt.Errorf("deleting dlq event: %w", err)
		}

		fresh, err = sp.Outbox().Create(ctx, &model.OutboxEntry{
			ID:         id.New(),
			EventLogID: dlqEvent.EventLogID,
			Status:     model.OutboxStatusPending,
			MaxRetries: int32(d.cfg.MaxRetries),
		})
		if err != nil {
			return fmt.Errorf("creating replacement outbox entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.metrics.RecordDLQDepth(ctx, -1)
	d.logger.InfoContext(ctx, "dlq event rescheduled",
		"dlq_event_id", dlqEventID,
		"outbox_entry_id", fresh.ID)
	return fresh, nil
}
