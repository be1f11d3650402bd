// Package reconcile verifies that prices the pipeline believes it applied are
// the prices the channels actually serve. Runs are checked a few minutes after
// they finish so channel-side caches and async indexers have settled.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"pricewave.io/engine/common/logger"
	"pricewave.io/engine/core/config"
	"pricewave.io/engine/internal/connector"
	"pricewave.io/engine/internal/ledger"
	"pricewave.io/engine/internal/metrics"
	"pricewave.io/engine/internal/model"
	"pricewave.io/engine/internal/queue"
	"pricewave.io/engine/internal/store"
)

// Mismatch is one applied target whose channel price drifted from what the
// run recorded.
type Mismatch struct {
	Channel       string  `json:"channel"`
	ExternalID    string  `json:"external_id"`
	Currency      string  `json:"currency"`
	VariantID     *string `json:"variant_id,omitempty"`
	TargetID      int64   `json:"target_id"`
	ProductID     int64   `json:"product_id"`
	ExpectedCents int64   `json:"expected_cents"`
	ObservedCents int64   `json:"observed_cents"`
	DiffCents     int64   `json:"diff_cents"`
	DiffPercent   float64 `json:"diff_percent"`
}

// Report summarizes one reconciliation pass over a run's applied targets.
// Unverified counts targets whose channel could not be read; they are neither
// matched nor mismatched.
type Report struct {
	CheckedAt  time.Time  `json:"checked_at"`
	TenantID   string     `json:"tenant_id"`
	Mismatches []Mismatch `json:"mismatches,omitempty"`
	RunID      int64      `json:"run_id"`
	ProjectID  int64      `json:"project_id"`
	Checked    int        `json:"checked"`
	Matched    int        `json:"matched"`
	Unverified int        `json:"unverified"`
}

// Service reconciles finished runs against their channels.
type Service interface {
	// ReconcileRun fetches the live price for every applied target of the run
	// and reports drift. A price counts as a mismatch only when the difference
	// exceeds both the absolute and the relative threshold.
	ReconcileRun(ctx context.Context, runID int64) (*Report, error)
	// RetryMismatches reconciles the run and re-queues every mismatched target
	// for another apply pass. Returns the number of targets re-queued.
	RetryMismatches(ctx context.Context, runID int64) (int, error)
}

type service struct {
	stores     store.Provider
	txRunner   store.TxRunner
	ledger     ledger.Service
	connectors *connector.Registry
	producer   queue.Producer
	metrics    metrics.Recorder
	cfg        config.ReconciliationConfig
	logger     *slog.Logger
}

func New(
	stores store.Provider,
	txRunner store.TxRunner,
	ledgerSvc ledger.Service,
	connectors *connector.Registry,
	producer queue.Producer,
	recorder metrics.Recorder,
	cfg config.ReconciliationConfig,
	log *slog.Logger,
) Service {
	if log == nil {
		log = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NewNoOp()
	}
	return &service{
		stores:     stores,
		txRunner:   txRunner,
		ledger:     ledgerSvc,
		connectors: connectors,
		producer:   producer,
		metrics:    recorder,
		cfg:        cfg,
		logger:     log,
	}
}

func (s *service) ReconcileRun(ctx context.Context, runID int64) (*Report, error) {
	run, err := s.stores.Runs().GetByID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		RunID:     &run.ID,
		ProjectID: &run.ProjectID,
		TenantID:  &run.TenantID,
		Component: "engine.reconcile",
	})

	targets, err := s.stores.Targets().ListAppliedByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("listing applied targets: %w", err)
	}

	report := &Report{
		CheckedAt: time.Now(),
		TenantID:  run.TenantID,
		RunID:     run.ID,
		ProjectID: run.ProjectID,
		Checked:   len(targets),
	}

	for i := range targets {
		target := &targets[i]

		observed, err := s.fetchObserved(ctx, target)
		if err != nil {
			report.Unverified++
			s.logger.WarnContext(ctx, "target price unverifiable",
				"target_id", target.ID,
				"channel", target.Channel,
				"error", err)
			continue
		}

		expected := expectedPrice(target)
		if mismatch := s.compare(target, expected, observed.PriceCents); mismatch != nil {
			report.Mismatches = append(report.Mismatches, *mismatch)
			s.metrics.RecordMismatch(ctx, target.Channel)
			s.logger.WarnContext(ctx, "price mismatch detected",
				"target_id", target.ID,
				"channel", target.Channel,
				"expected_cents", mismatch.ExpectedCents,
				"observed_cents", mismatch.ObservedCents)
			continue
		}
		report.Matched++
	}

	if err := s.writeReportEvent(ctx, run, report); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "run reconciled",
		"checked", report.Checked,
		"matched", report.Matched,
		"mismatched", len(report.Mismatches),
		"unverified", report.Unverified)

	return report, nil
}

func (s *service) RetryMismatches(ctx context.Context, runID int64) (int, error) {
	report, err := s.ReconcileRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	if len(report.Mismatches) == 0 {
		return 0, nil
	}

	ids := make([]int64, 0, len(report.Mismatches))
	for _, m := range report.Mismatches {
		ids = append(ids, m.TargetID)
	}

	if err := s.txRunner.WithTx(ctx, func(sp store.Provider) error {
		if err := sp.Targets().ResetToQueued(ctx, ids, "price drift detected by reconciliation"); err != nil {
			return err
		}
		return sp.Runs().SetQueued(ctx, runID)
	}); err != nil {
		return 0, fmt.Errorf("requeueing mismatched targets: %w", err)
	}

	if err := s.producer.Enqueue(ctx, queue.RunMessage{
		RunID:     runID,
		ProjectID: report.ProjectID,
		TenantID:  report.TenantID,
		Attempt:   1,
	}); err != nil {
		return 0, fmt.Errorf("enqueueing reconciliation retry: %w", err)
	}

	s.logger.InfoContext(ctx, "mismatched targets requeued", "count", len(ids))
	return len(ids), nil
}

func (s *service) fetchObserved(ctx context.Context, target *model.Target) (*model.PriceSnapshot, error) {
	conn, err := s.connectors.Get(target.Channel)
	if err != nil {
		return nil, err
	}
	return conn.FetchPrice(ctx, target.ExternalID, target.VariantID)
}

// compare returns a Mismatch when the observed price breaches both drift
// thresholds, nil otherwise. Requiring both keeps one-cent rounding noise on
// cheap items and fractional drift on expensive ones out of the alerts.
func (s *service) compare(target *model.Target, expected, observed int64) *Mismatch {
	diff := expected - observed
	if diff < 0 {
		diff = -diff
	}

	var pct float64
	if expected != 0 {
		pct = float64(diff) / float64(expected) * 100
	} else if diff > 0 {
		pct = 100
	}

	if diff <= s.cfg.MaxDifferenceCents || pct <= s.cfg.MaxDifferencePercent {
		return nil
	}

	return &Mismatch{
		Channel:       target.Channel,
		ExternalID:    target.ExternalID,
		Currency:      target.Currency,
		VariantID:     target.VariantID,
		TargetID:      target.ID,
		ProductID:     target.ProductID,
		ExpectedCents: expected,
		ObservedCents: observed,
		DiffCents:     diff,
		DiffPercent:   pct,
	}
}

func (s *service) writeReportEvent(ctx context.Context, run *model.Run, report *Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal reconciliation report: %w", err)
	}

	if _, err := s.ledger.WriteEventWithOutbox(ctx, model.EventPayload{
		EventKey:  fmt.Sprintf("run-%d-reconciled-%d", run.ID, report.CheckedAt.Unix()),
		TenantID:  run.TenantID,
		EventType: model.EventTypeReconciliationDone,
		Payload:   payload,
		ProjectID: &run.ProjectID,
	}); err != nil {
		return fmt.Errorf("recording reconciliation event: %w", err)
	}
	return nil
}

// expectedPrice prefers the snapshot the connector returned when the price
// was applied; the requested price is the fallback for rows written before
// snapshots were recorded.
func expectedPrice(target *model.Target) int64 {
	if len(target.AfterJSON) > 0 {
		var snap model.PriceSnapshot
		if err := json.Unmarshal(target.AfterJSON, &snap); err == nil && snap.PriceCents > 0 {
			return snap.PriceCents
		}
	}
	return target.PriceCents
}
