package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pricewave.io/engine/common/id"
	"pricewave.io/engine/core/config"
	"pricewave.io/engine/internal/backoff"
	"pricewave.io/engine/internal/model"
	"pricewave.io/engine/internal/store"
)

// WriteResult reports one ledger write. When the event key was already
// recorded, Duplicated is true and Entry is the existing row.
type WriteResult struct {
	Entry      *model.EventLogEntry
	Outbox     *model.OutboxEntry
	Duplicated bool
}

// Service is the single write path into the event ledger. All domain events
// go through it; callers never insert ledger or outbox rows directly.
type Service interface {
	// WriteEvent records an event without scheduling delivery.
	WriteEvent(ctx context.Context, payload model.EventPayload) (*WriteResult, error)
	// WriteEventWithOutbox records an event and a PENDING outbox entry in one
	// transaction. Either both rows exist afterwards or neither does.
	WriteEventWithOutbox(ctx context.Context, payload model.EventPayload) (*WriteResult, error)
	// WriteEventBatch records all payloads inside a single transaction, each
	// with its own outbox entry. One failure rolls back the whole batch.
	WriteEventBatch(ctx context.Context, payloads []model.EventPayload) ([]WriteResult, error)
	// EventsForReplay reads ledger rows matching the filter, oldest first.
	EventsForReplay(ctx context.Context, filter store.ReplayFilter) ([]model.EventLogEntry, error)
	// NextRetryAt computes when a delivery attempt with the given retry count
	// should run next, jitterless so the schedule is predictable.
	NextRetryAt(now time.Time, retryCount int32) time.Time
}

var ErrInvalidEvent = errors.New("invalid event")

type service struct {
	stores   store.Provider
	txRunner store.TxRunner
	cfg      config.OutboxConfig
	logger   *slog.Logger
}

func New(stores store.Provider, txRunner store.TxRunner, cfg config.OutboxConfig, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &service{
		stores:   stores,
		txRunner: txRunner,
		cfg:      cfg,
		logger:   logger,
	}
}

func (s *service) WriteEvent(ctx context.Context, payload model.EventPayload) (*WriteResult, error) {
	if err := validate(payload); err != nil {
		return nil, err
	}

	entry, created, err := s.stores.EventLogs().Insert(ctx, newEntry(payload))
	if err != nil {
		return nil, fmt.Errorf("writing event %q: %w", payload.EventKey, err)
	}
	if !created {
		s.logger.InfoContext(ctx, "duplicate event key, returning existing entry",
			"event_key", payload.EventKey, "tenant_id", payload.TenantID, "event_log_id", entry.ID)
	}

	return &WriteResult{Entry: entry, Duplicated: !created}, nil
}

func (s *service) WriteEventWithOutbox(ctx context.Context, payload model.EventPayload) (*WriteResult, error) {
	if err := validate(payload); err != nil {
		return nil, err
	}

	var result WriteResult
	if err := s.txRunner.WithTx(ctx, func(sp store.Provider) error {
		return s.writeWithOutbox(ctx, sp, payload, &result)
	}); err != nil {
		return nil, err
	}

	return &result, nil
}

func (s *service) WriteEventBatch(ctx context.Context, payloads []model.EventPayload) ([]WriteResult, error) {
	for i := range payloads {
		if err := validate(payloads[i]); err != nil {
			return nil, fmt.Errorf("payload %d: %w", i, err)
		}
	}

	results := make([]WriteResult, len(payloads))
	if err := s.txRunner.WithTx(ctx, func(sp store.Provider) error {
		for i := range payloads {
			if err := s.writeWithOutbox(ctx, sp, payloads[i], &results[i]); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return results, nil
}

// writeWithOutbox runs inside an open transaction. A duplicated event key
// writes no outbox entry: the original write already scheduled delivery.
func (s *service) writeWithOutbox(ctx context.Context, sp store.Provider, payload model.EventPayload, result *WriteResult) error {
	entry, created, err := sp.EventLogs().Insert(ctx, newEntry(payload))
	if err != nil {
		return fmt.Errorf("writing event %q: %w", payload.EventKey, err)
	}

	result.Entry = entry
	result.Duplicated = !created
	if !created {
		s.logger.InfoContext(ctx, "duplicate event key, skipping outbox entry",
			"event_key", payload.EventKey, "tenant_id", payload.TenantID, "event_log_id", entry.ID)
		return nil
	}

	outbox, err := sp.Outbox().Create(ctx, &model.OutboxEntry{
		ID:         id.New(),
		EventLogID: entry.ID,
		Status:     model.OutboxStatusPending,
		MaxRetries: int32(s.cfg.MaxRetries),
	})
	if err != nil {
		return fmt.Errorf("creating outbox entry for event %q: %w", payload.EventKey, err)
	}

	result.Outbox = outbox
	return nil
}

func (s *service) EventsForReplay(ctx context.Context, filter store.ReplayFilter) ([]model.EventLogEntry, error) {
	if filter.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidEvent)
	}
	return s.stores.EventLogs().ListForReplay(ctx, filter)
}

func (s *service) NextRetryAt(now time.Time, retryCount int32) time.Time {
	delay := backoff.Calculate(int(retryCount), backoff.Options{
		BaseDelay:  s.cfg.InitialDelay,
		MaxDelay:   s.cfg.MaxDelay,
		Multiplier: s.cfg.Multiplier,
		Jitter:     0,
	})
	return now.Add(delay)
}

func validate(payload model.EventPayload) error {
	if payload.EventKey == "" {
		return fmt.Errorf("%w: event_key is required", ErrInvalidEvent)
	}
	if payload.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidEvent)
	}
	if payload.EventType == "" {
		return fmt.Errorf("%w: event_type is required", ErrInvalidEvent)
	}
	if len(payload.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrInvalidEvent)
	}
	return nil
}

func newEntry(payload model.EventPayload) *model.EventLogEntry {
	return &model.EventLogEntry{
		ID:            id.New(),
		EventKey:      payload.EventKey,
		TenantID:      payload.TenantID,
		EventType:     payload.EventType,
		Payload:       payload.Payload,
		Metadata:      payload.Metadata,
		CorrelationID: payload.CorrelationID,
		ProjectID:     payload.ProjectID,
		Version:       1,
	}
}
