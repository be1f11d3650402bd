package dto

import (
	"pricewave.io/engine/internal/model"
	"pricewave.io/engine/internal/service"
)

type RunTargetRequest struct {
	ProductID        int64   `json:"product_id" binding:"required"`
	Channel          string  `json:"channel" binding:"required"`
	ExternalID       string  `json:"external_id" binding:"required"`
	VariantID        *string `json:"variant_id,omitempty"`
	PriceCents       int64   `json:"price_cents" binding:"required,gt=0"`
	Currency         string  `json:"currency" binding:"required"`
	BeforePriceCents *int64  `json:"before_price_cents,omitempty"`
}

type CreateRunRequest struct {
	TenantID  string             `json:"tenant_id" binding:"required"`
	ProjectID int64              `json:"project_id" binding:"required"`
	RuleID    *int64             `json:"rule_id,omitempty"`
	Targets   []RunTargetRequest `json:"targets" binding:"required,min=1,dive"`
}

func (r CreateRunRequest) ToInput(traceID *string) service.CreateRunInput {
	targets := make([]service.TargetInput, 0, len(r.Targets))
	for _, t := range r.Targets {
		targets = append(targets, service.TargetInput{
			ProductID:        t.ProductID,
			Channel:          t.Channel,
			ExternalID:       t.ExternalID,
			VariantID:        t.VariantID,
			PriceCents:       t.PriceCents,
			Currency:         t.Currency,
			BeforePriceCents: t.BeforePriceCents,
		})
	}
	return service.CreateRunInput{
		TenantID:  r.TenantID,
		ProjectID: r.ProjectID,
		RuleID:    r.RuleID,
		TraceID:   traceID,
		Targets:   targets,
	}
}

type CreateRunResponse struct {
	RunID       int64           `json:"run_id"`
	Status      model.RunStatus `json:"status"`
	TargetCount int             `json:"target_count"`
}

// RetryRunRequest narrows a retry to specific targets. An empty body retries
// every retryable failed target of the run.
type RetryRunRequest struct {
	TargetIDs []int64 `json:"target_ids,omitempty"`
}

type RetryResponse struct {
	RunID    int64 `json:"run_id"`
	Requeued int   `json:"requeued"`
}
