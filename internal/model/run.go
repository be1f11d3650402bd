package model

import (
	"encoding/json"
	"time"
)

type RunStatus string

const (
	RunStatusQueued  RunStatus = "QUEUED"
	RunStatusApplied RunStatus = "APPLIED"
	RunStatusPartial RunStatus = "PARTIAL"
	RunStatusFailed  RunStatus = "FAILED"
)

type TargetStatus string

const (
	TargetStatusQueued   TargetStatus = "QUEUED"
	TargetStatusApplying TargetStatus = "APPLYING"
	TargetStatusApplied  TargetStatus = "APPLIED"
	TargetStatusFailed   TargetStatus = "FAILED"
)

// Run is one invocation of "apply price change X to its matched targets".
type Run struct {
	QueuedAt   time.Time  `json:"queued_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     RunStatus  `json:"status"`
	TenantID   string     `json:"tenant_id"`
	RuleID     *int64     `json:"rule_id,omitempty"`
	ID         int64      `json:"id"`
	ProjectID  int64      `json:"project_id"`
}

// Target is one matched entity within a run. Targets are mutated only by the
// run worker and the DLQ/reconciliation retry paths, which reset them to
// QUEUED.
type Target struct {
	LastAttempt  *time.Time      `json:"last_attempt,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	ErrorCode    *string         `json:"error_code,omitempty"`
	BeforeJSON   json.RawMessage `json:"before_json,omitempty"`
	AfterJSON    json.RawMessage `json:"after_json,omitempty"`
	Status       TargetStatus    `json:"status"`
	Channel      string          `json:"channel"`
	ExternalID   string          `json:"external_id"`
	Currency     string          `json:"currency"`
	VariantID    *string         `json:"variant_id,omitempty"`
	ID           int64           `json:"id"`
	RunID        int64           `json:"run_id"`
	ProductID    int64           `json:"product_id"`
	PriceCents   int64           `json:"price_cents"`
	Attempts     int32           `json:"attempts"`
}

// PriceSnapshot is the before/after state recorded on a target, later used
// by reconciliation to compare intended against observed prices.
type PriceSnapshot struct {
	PriceCents int64  `json:"price_cents"`
	Currency   string `json:"currency"`
}

// DeriveRunStatus computes the terminal run status from its targets:
// APPLIED iff all targets applied, FAILED iff none did, else PARTIAL.
func DeriveRunStatus(targets []Target) RunStatus {
	applied := 0
	for _, t := range targets {
		if t.Status == TargetStatusApplied {
			applied++
		}
	}
	switch {
	case len(targets) == 0 || applied == len(targets):
		return RunStatusApplied
	case applied == 0:
		return RunStatusFailed
	default:
		return RunStatusPartial
	}
}

// Terminal reports whether all targets reached a terminal state.
func Terminal(targets []Target) bool {
	for _, t := range targets {
		if t.Status != TargetStatusApplied && t.Status != TargetStatusFailed {
			return false
		}
	}
	return true
}
