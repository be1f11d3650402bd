// Package dlq inspects failed run targets: it classifies failures, writes
// drain reports into the ledger, and requeues the retryable remainder.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pricewave.io/engine/common/id"
	"pricewave.io/engine/common/logger"
	"pricewave.io/engine/core/config"
	"pricewave.io/engine/internal/ledger"
	"pricewave.io/engine/internal/metrics"
	"pricewave.io/engine/internal/model"
	"pricewave.io/engine/internal/queue"
	"pricewave.io/engine/internal/store"
)

// Report is one drain pass over a project's failed targets. Draining is
// read-only: the report is written to the ledger, the targets stay put.
type Report struct {
	GeneratedAt     time.Time        `json:"generated_at"`
	ByErrorType     map[Category]int `json:"by_error_type"`
	Recommendations []string         `json:"recommendations,omitempty"`
	Entries         []ReportEntry    `json:"entries"`
	ProjectID       int64            `json:"project_id"`
	Total           int              `json:"total"`
	Retryable       int              `json:"retryable"`
}

type ReportEntry struct {
	ErrorMessage string   `json:"error_message,omitempty"`
	ErrorCode    string   `json:"error_code,omitempty"`
	Category     Category `json:"category"`
	Channel      string   `json:"channel"`
	TargetID     int64    `json:"target_id"`
	RunID        int64    `json:"run_id"`
	ProductID    int64    `json:"product_id"`
	Attempts     int32    `json:"attempts"`
	Retryable    bool     `json:"retryable"`
}

var ErrNoFailedTargets = errors.New("no failed targets")

type Service interface {
	// Drain classifies a project's failed targets and records the report as
	// a ledger event. It never mutates the targets.
	Drain(ctx context.Context, tenantID string, projectID int64) (*Report, error)
	// RetryFailed requeues a run's retryably failed targets with a fresh
	// attempt budget and puts the run back on the stream. When targetIDs are
	// given only those targets are considered.
	RetryFailed(ctx context.Context, runID int64, targetIDs ...int64) (int, error)
	// StaleEntries lists failed targets older than the staleness threshold.
	StaleEntries(ctx context.Context) ([]model.Target, error)
	// PurgeOld deletes failed targets past the purge threshold.
	PurgeOld(ctx context.Context) (int64, error)
}

type service struct {
	stores   store.Provider
	txRunner store.TxRunner
	ledger   ledger.Service
	producer queue.Producer
	metrics  metrics.Recorder
	cfg      config.DLQConfig
	logger   *slog.Logger
}

func New(
	stores store.Provider,
	txRunner store.TxRunner,
	ledgerSvc ledger.Service,
	producer queue.Producer,
	recorder metrics.Recorder,
	cfg config.DLQConfig,
	log *slog.Logger,
) Service {
	if log == nil {
		log = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NewNoOp()
	}
	return &service{
		stores:   stores,
		txRunner: txRunner,
		ledger:   ledgerSvc,
		producer: producer,
		metrics:  recorder,
		cfg:      cfg,
		logger:   log,
	}
}

func (s *service) Drain(ctx context.Context, tenantID string, projectID int64) (*Report, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ProjectID: &projectID,
		Component: "engine.dlq",
	})

	failed, err := s.stores.Targets().ListFailedByProject(ctx, projectID, int32(s.cfg.BatchSize))
	if err != nil {
		return nil, fmt.Errorf("listing failed targets: %w", err)
	}

	report := &Report{
		GeneratedAt: time.Now(),
		ProjectID:   projectID,
		Total:       len(failed),
		ByErrorType: make(map[Category]int),
	}

	for _, t := range failed {
		msg := ""
		if t.ErrorMessage != nil {
			msg = *t.ErrorMessage
		}
		code := ""
		if t.ErrorCode != nil {
			code = *t.ErrorCode
		}

		category := Classify(t.ErrorCode, msg)
		report.ByErrorType[category]++
		if category.Retryable() {
			report.Retryable++
		}

		report.Entries = append(report.Entries, ReportEntry{
			TargetID:     t.ID,
			RunID:        t.RunID,
			ProductID:    t.ProductID,
			Channel:      t.Channel,
			Category:     category,
			Retryable:    category.Retryable(),
			Attempts:     t.Attempts,
			ErrorCode:    code,
			ErrorMessage: logger.Truncate(msg, 200),
		})
	}

	report.Recommendations = recommend(report)

	if len(failed) > 0 {
		payload, err := json.Marshal(report)
		if err != nil {
			return nil, fmt.Errorf("marshal report: %w", err)
		}
		if _, err := s.ledger.WriteEventWithOutbox(ctx, model.EventPayload{
			EventKey:  fmt.Sprintf("dlq-report-%d-%d", projectID, id.New()),
			TenantID:  tenantID,
			EventType: model.EventTypeDLQReport,
			Payload:   payload,
			ProjectID: &projectID,
		}); err != nil {
			return nil, fmt.Errorf("recording report: %w", err)
		}
	}

	s.logger.InfoContext(ctx, "dlq drained",
		"total", report.Total,
		"retryable", report.Retryable)
	return report, nil
}

// recommend derives operator guidance from the failure mix.
func recommend(report *Report) []string {
	if report.Total == 0 {
		return nil
	}

	var recs []string
	if rate := report.ByErrorType[CategoryRateLimit]; rate*5 > report.Total {
		// More than 20% rate limited points at concurrency, not the channel.
		recs = append(recs, "over 20% of failures are rate limits; lower RUNNER_MAX_CONCURRENCY or spread runs out")
	}
	if report.ByErrorType[CategoryAuthorization] > 0 {
		recs = append(recs, "authorization failures present; rotate or verify channel credentials")
	}
	if report.ByErrorType[CategoryNotFound] > 0 {
		recs = append(recs, "missing products on channel; re-sync the catalog before retrying")
	}
	if report.ByErrorType[CategoryValidation] > 0 {
		recs = append(recs, "validation failures present; the channel rejected these prices permanently")
	}
	return recs
}

func (s *service) RetryFailed(ctx context.Context, runID int64, targetIDs ...int64) (int, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		RunID:     &runID,
		Component: "engine.dlq",
	})

	run, err := s.stores.Runs().GetByID(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("loading run: %w", err)
	}

	failed, err := s.stores.Targets().ListFailedByRun(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("listing failed targets: %w", err)
	}

	var requested map[int64]bool
	if len(targetIDs) > 0 {
		requested = make(map[int64]bool, len(targetIDs))
		for _, targetID := range targetIDs {
			requested[targetID] = true
		}
	}

	var retryable []int64
	for _, t := range failed {
		if requested != nil && !requested[t.ID] {
			continue
		}
		msg := ""
		if t.ErrorMessage != nil {
			msg = *t.ErrorMessage
		}
		if Classify(t.ErrorCode, msg).Retryable() {
			retryable = append(retryable, t.ID)
		}
	}
	if len(retryable) == 0 {
		return 0, ErrNoFailedTargets
	}

	if err := s.txRunner.WithTx(ctx, func(sp store.Provider) error {
		if err := sp.Targets().ResetToQueued(ctx, retryable, "requeued from dlq"); err != nil {
			return fmt.Errorf("resetting targets: %w", err)
		}
		if err := sp.Runs().SetQueued(ctx, runID); err != nil {
			return fmt.Errorf("requeueing run: %w", err)
		}
		return nil
	}); err != nil {
		return 0, err
	}

	if err := s.producer.Enqueue(ctx, queue.RunMessage{
		RunID:     runID,
		ProjectID: run.ProjectID,
		TenantID:  run.TenantID,
		Attempt:   1,
	}); err != nil {
		return 0, fmt.Errorf("enqueueing run: %w", err)
	}

	s.logger.InfoContext(ctx, "failed targets requeued", "count", len(retryable))
	return len(retryable), nil
}

func (s *service) StaleEntries(ctx context.Context) ([]model.Target, error) {
	before := time.Now().Add(-s.cfg.StaleThreshold)
	return s.stores.Targets().ListStaleFailed(ctx, before, int32(s.cfg.BatchSize))
}

func (s *service) PurgeOld(ctx context.Context) (int64, error) {
	before := time.Now().Add(-s.cfg.PurgeThreshold)
	purged, err := s.stores.Targets().DeleteFailedOlderThan(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("purging failed targets: %w", err)
	}
	if purged > 0 {
		s.logger.InfoContext(ctx, "purged old failed targets", "count", purged)
	}
	return purged, nil
}
