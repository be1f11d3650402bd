// Package replay rebuilds downstream state from the event ledger. The ledger
// is append-only, so replaying a time range through the same subscribers the
// dispatcher uses reproduces every delivery in original order.
package replay

import (
	"context"
	"fmt"
	"log/slog"

	"pricewave.io/engine/common/logger"
	"pricewave.io/engine/internal/ledger"
	"pricewave.io/engine/internal/model"
	"pricewave.io/engine/internal/outbox"
	"pricewave.io/engine/internal/store"
)

// Report summarizes one replay pass. Replay is best effort: a failing handler
// is recorded and skipped, it never stops the pass. Succeeded and Failed
// count subscriber invocations, Total counts events.
type Report struct {
	Total     int             `json:"total"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Failures  []ReplayFailure `json:"failures,omitempty"`
}

type ReplayFailure struct {
	EventLogID int64  `json:"event_log_id"`
	EventKey   string `json:"event_key"`
	Subscriber string `json:"subscriber"`
	Error      string `json:"error"`
}

// IntegrityReport lists the two ledger anomalies worth alerting on:
// duplicate event keys (the unique index should make these impossible) and
// rows whose timestamps run backwards against their insertion order.
type IntegrityReport struct {
	EventCount    int64                `json:"event_count"`
	DuplicateKeys []store.DuplicateKey `json:"duplicate_keys,omitempty"`
	OutOfOrderIDs []int64              `json:"out_of_order_ids,omitempty"`
}

func (r IntegrityReport) Clean() bool {
	return len(r.DuplicateKeys) == 0 && len(r.OutOfOrderIDs) == 0
}

type Service interface {
	// Replay re-delivers the matching ledger events to the subscribers in
	// creation order.
	Replay(ctx context.Context, filter store.ReplayFilter) (*Report, error)
	// VerifyIntegrity scans a tenant's ledger for duplicates and ordering
	// anomalies.
	VerifyIntegrity(ctx context.Context, tenantID string) (*IntegrityReport, error)
	// EventStats returns per-type event counts for a tenant.
	EventStats(ctx context.Context, tenantID string) ([]store.EventTypeCount, error)
	// EventsByCorrelation returns the causal chain sharing one correlation id.
	EventsByCorrelation(ctx context.Context, tenantID, correlationID string) ([]model.EventLogEntry, error)
}

type service struct {
	stores   store.Provider
	ledger   ledger.Service
	registry *outbox.Registry
	logger   *slog.Logger
}

func New(stores store.Provider, ledgerSvc ledger.Service, registry *outbox.Registry, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{
		stores:   stores,
		ledger:   ledgerSvc,
		registry: registry,
		logger:   log,
	}
}

func (s *service) Replay(ctx context.Context, filter store.ReplayFilter) (*Report, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "engine.replay",
	})

	events, err := s.ledger.EventsForReplay(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}

	report := &Report{Total: len(events)}
	for _, event := range events {
		// A failing subscriber never blocks the rest of the fan-out.
		for _, sub := range s.registry.For(event.EventType) {
			if err := sub.Handle(ctx, event); err != nil {
				report.Failed++
				report.Failures = append(report.Failures, ReplayFailure{
					EventLogID: event.ID,
					EventKey:   event.EventKey,
					Subscriber: sub.Name,
					Error:      err.Error(),
				})
				s.logger.WarnContext(ctx, "event replay failed",
					"event_log_id", event.ID,
					"event_key", event.EventKey,
					"subscriber", sub.Name,
					"error", err)
				continue
			}
			report.Succeeded++
		}
	}

	s.logger.InfoContext(ctx, "replay finished",
		"total", report.Total,
		"succeeded", report.Succeeded,
		"failed", report.Failed)
	return report, nil
}

func (s *service) VerifyIntegrity(ctx context.Context, tenantID string) (*IntegrityReport, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	duplicates, err := s.stores.EventLogs().FindDuplicateKeys(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("finding duplicate keys: %w", err)
	}

	events, err := s.stores.EventLogs().ListForReplay(ctx, store.ReplayFilter{TenantID: tenantID})
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}

	report := &IntegrityReport{
		EventCount:    int64(len(events)),
		DuplicateKeys: duplicates,
	}

	// Snowflake ids are time ordered, so within the created_at ASC listing
	// the ids of equally timestamped rows must ascend too.
	for i := 1; i < len(events); i++ {
		prev, cur := events[i-1], events[i]
		if cur.CreatedAt.Equal(prev.CreatedAt) && cur.ID < prev.ID {
			report.OutOfOrderIDs = append(report.OutOfOrderIDs, cur.ID)
		}
	}

	return report, nil
}

func (s *service) EventStats(ctx context.Context, tenantID string) ([]store.EventTypeCount, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	return s.stores.EventLogs().CountByType(ctx, tenantID)
}

func (s *service) EventsByCorrelation(ctx context.Context, tenantID, correlationID string) ([]model.EventLogEntry, error) {
	if tenantID == "" || correlationID == "" {
		return nil, fmt.Errorf("tenant_id and correlation_id are required")
	}
	return s.stores.EventLogs().ListByCorrelation(ctx, tenantID, correlationID)
}
