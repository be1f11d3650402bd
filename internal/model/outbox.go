package model

import "time"

type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "PENDING"
	OutboxStatusProcessing OutboxStatus = "PROCESSING"
	OutboxStatusCompleted  OutboxStatus = "COMPLETED"
	OutboxStatusFailed     OutboxStatus = "FAILED"
)

// OutboxEntry is a delivery intent referencing one EventLogEntry. It is
// created in the same transaction as the ledger row (outbox pattern), so the
// two can never diverge.
type OutboxEntry struct {
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	NextRetryAt *time.Time   `json:"next_retry_at,omitempty"`
	ProcessedAt *time.Time   `json:"processed_at,omitempty"`
	LastError   *string      `json:"last_error,omitempty"`
	Status      OutboxStatus `json:"status"`
	ID          int64        `json:"id"`
	EventLogID  int64        `json:"event_log_id"`
	RetryCount  int32        `json:"retry_count"`
	MaxRetries  int32        `json:"max_retries"`
}

// DlqEvent mirrors an outbox entry that exhausted delivery retries. It keeps
// the original payload and failure reason for manual replay. Distinct from
// the run-target DLQ.
type DlqEvent struct {
	CreatedAt     time.Time `json:"created_at"`
	FailureReason string    `json:"failure_reason"`
	ID            int64     `json:"id"`
	EventLogID    int64     `json:"event_log_id"`
	OutboxEntryID int64     `json:"outbox_entry_id"`
	RetryCount    int32     `json:"retry_count"`
}
