// Package service holds the write-side API operations. Handlers translate
// HTTP into these calls; the queue worker owns everything after the enqueue.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"pricewave.io/engine/common/id"
	"pricewave.io/engine/common/logger"
	"pricewave.io/engine/internal/model"
	"pricewave.io/engine/internal/queue"
	"pricewave.io/engine/internal/store"
)

var ErrInvalidRun = errors.New("invalid run")

// TargetInput describes one entity a run should reprice.
type TargetInput struct {
	ProductID        int64   `json:"product_id"`
	Channel          string  `json:"channel"`
	ExternalID       string  `json:"external_id"`
	VariantID        *string `json:"variant_id,omitempty"`
	PriceCents       int64   `json:"price_cents"`
	Currency         string  `json:"currency"`
	BeforePriceCents *int64  `json:"before_price_cents,omitempty"`
}

// CreateRunInput is the full request to start a price run.
type CreateRunInput struct {
	TenantID  string        `json:"tenant_id"`
	ProjectID int64         `json:"project_id"`
	RuleID    *int64        `json:"rule_id,omitempty"`
	TraceID   *string       `json:"trace_id,omitempty"`
	Targets   []TargetInput `json:"targets"`
}

// RunDetail is a run with its targets, as returned to API callers.
type RunDetail struct {
	Run     *model.Run     `json:"run"`
	Targets []model.Target `json:"targets"`
}

// RunService creates runs and exposes their state.
type RunService interface {
	// CreateRun persists the run and its targets in one transaction, then
	// enqueues it for the worker. The run exists in the database before any
	// worker can see the message.
	CreateRun(ctx context.Context, input CreateRunInput) (*model.Run, error)
	GetRun(ctx context.Context, runID int64) (*RunDetail, error)
}

type runService struct {
	stores   store.Provider
	txRunner store.TxRunner
	producer queue.Producer
	logger   *slog.Logger
}

func NewRunService(stores store.Provider, txRunner store.TxRunner, producer queue.Producer, log *slog.Logger) RunService {
	if log == nil {
		log = slog.Default()
	}
	return &runService{
		stores:   stores,
		txRunner: txRunner,
		producer: producer,
		logger:   log,
	}
}

func (s *runService) CreateRun(ctx context.Context, input CreateRunInput) (*model.Run, error) {
	if err := validate(input); err != nil {
		return nil, err
	}

	run := &model.Run{
		ID:        id.New(),
		TenantID:  input.TenantID,
		ProjectID: input.ProjectID,
		RuleID:    input.RuleID,
		Status:    model.RunStatusQueued,
	}

	targets := make([]model.Target, 0, len(input.Targets))
	for _, in := range input.Targets {
		target := model.Target{
			ID:         id.New(),
			RunID:      run.ID,
			ProductID:  in.ProductID,
			Channel:    in.Channel,
			ExternalID: in.ExternalID,
			VariantID:  in.VariantID,
			PriceCents: in.PriceCents,
			Currency:   in.Currency,
			Status:     model.TargetStatusQueued,
		}
		if in.BeforePriceCents != nil {
			before, err := marshalSnapshot(*in.BeforePriceCents, in.Currency)
			if err != nil {
				return nil, err
			}
			target.BeforeJSON = before
		}
		targets = append(targets, target)
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		RunID:     &run.ID,
		ProjectID: &run.ProjectID,
		TenantID:  &run.TenantID,
		Component: "engine.service.run",
	})

	if err := s.txRunner.WithTx(ctx, func(sp store.Provider) error {
		created, err := sp.Runs().Create(ctx, run)
		if err != nil {
			return err
		}
		run = created
		return sp.Targets().CreateBatch(ctx, targets)
	}); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	if err := s.producer.Enqueue(ctx, queue.RunMessage{
		RunID:     run.ID,
		ProjectID: run.ProjectID,
		TenantID:  run.TenantID,
		TraceID:   input.TraceID,
		Attempt:   1,
	}); err != nil {
		// The run stays QUEUED in the database; the reconcile endpoint or a
		// manual re-enqueue picks it up.
		s.logger.ErrorContext(ctx, "run persisted but enqueue failed", "error", err)
		return nil, fmt.Errorf("enqueueing run %d: %w", run.ID, err)
	}

	s.logger.InfoContext(ctx, "run created", "target_count", len(targets))
	return run, nil
}

func (s *runService) GetRun(ctx context.Context, runID int64) (*RunDetail, error) {
	run, err := s.stores.Runs().GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	targets, err := s.stores.Targets().ListByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("listing run targets: %w", err)
	}

	return &RunDetail{Run: run, Targets: targets}, nil
}

func validate(input CreateRunInput) error {
	if input.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidRun)
	}
	if input.ProjectID <= 0 {
		return fmt.Errorf("%w: project_id is required", ErrInvalidRun)
	}
	if len(input.Targets) == 0 {
		return fmt.Errorf("%w: at least one target is required", ErrInvalidRun)
	}
	for i, t := range input.Targets {
		if t.Channel == "" {
			return fmt.Errorf("%w: target %d has no channel", ErrInvalidRun, i)
		}
		if t.ExternalID == "" {
			return fmt.Errorf("%w: target %d has no external_id", ErrInvalidRun, i)
		}
		if t.PriceCents <= 0 {
			return fmt.Errorf("%w: target %d has non-positive price", ErrInvalidRun, i)
		}
		if t.Currency == "" {
			return fmt.Errorf("%w: target %d has no currency", ErrInvalidRun, i)
		}
	}
	return nil
}

func marshalSnapshot(priceCents int64, currency string) ([]byte, error) {
	snap := model.PriceSnapshot{PriceCents: priceCents, Currency: currency}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal before snapshot: %w", err)
	}
	return data, nil
}
