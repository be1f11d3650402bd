package model

import (
	"encoding/json"
	"time"
)

// Event type names form the subscriber contract surface. New consumers
// integrate purely by matching on these strings.
const (
	EventTypePriceChangeApplied     = "pricechange.applied"
	EventTypePriceChangeRolledBack  = "pricechange.rolled_back"
	EventTypePriceChangeRuleApplied = "pricechange.rule.applied"
	EventTypeDLQReport              = "automation.dlq.report"
	EventTypeReconciliationDone     = "automation.reconciliation.completed"
)

// EventLogEntry is an immutable ledger fact. The pair (EventKey, TenantID) is
// unique; re-submission with the same key is a no-op, never a duplicate row.
// Rows are never deleted because replay depends on full history.
type EventLogEntry struct {
	CreatedAt     time.Time       `json:"created_at"`
	EventKey      string          `json:"event_key"`
	TenantID      string          `json:"tenant_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CorrelationID *string         `json:"correlation_id,omitempty"`
	ID            int64           `json:"id"`
	ProjectID     *int64          `json:"project_id,omitempty"`
	Version       int32           `json:"version"`
}

// EventPayload is the wire shape handed to subscribers and accepted by the
// ledger write operations.
type EventPayload struct {
	EventKey      string          `json:"event_key"`
	TenantID      string          `json:"tenant_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CorrelationID *string         `json:"correlation_id,omitempty"`
	ProjectID     *int64          `json:"project_id,omitempty"`
}
