package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"pricewave.io/engine/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ReplayFilter bounds a ledger read for replay. Results are always ordered
// by creation time ascending; replay correctness depends on it.
type ReplayFilter struct {
	From          *time.Time
	To            *time.Time
	CorrelationID *string
	TenantID      string
	EventTypes    []string
	Limit         int32
}

// EventTypeCount is one row of an event-type aggregation.
type EventTypeCount struct {
	EventType string
	Count     int64
}

// DuplicateKey reports a (event_key, tenant_id) pair appearing more than once.
type DuplicateKey struct {
	EventKey string
	TenantID string
	Count    int64
}

// EventLogStore defines the contract for ledger data access
type EventLogStore interface {
	// Insert is an idempotent upsert keyed by (event_key, tenant_id). On
	// conflict it returns the existing row without modifying it and
	// created=false.
	Insert(ctx context.Context, entry *model.EventLogEntry) (*model.EventLogEntry, bool, error)
	GetByID(ctx context.Context, id int64) (*model.EventLogEntry, error)
	ListForReplay(ctx context.Context, filter ReplayFilter) ([]model.EventLogEntry, error)
	ListByCorrelation(ctx context.Context, tenantID, correlationID string) ([]model.EventLogEntry, error)
	CountByType(ctx context.Context, tenantID string) ([]EventTypeCount, error)
	FindDuplicateKeys(ctx context.Context, tenantID string) ([]DuplicateKey, error)
}

// OutboxStore defines the contract for outbox entry data access
type OutboxStore interface {
	Create(ctx context.Context, entry *model.OutboxEntry) (*model.OutboxEntry, error)
	GetByID(ctx context.Context, id int64) (*model.OutboxEntry, error)
	// ListDue returns PENDING entries whose next_retry_at is null or due,
	// oldest first, up to limit.
	ListDue(ctx context.Context, now time.Time, limit int32) ([]model.OutboxEntry, error)
	MarkProcessing(ctx context.Context, id int64) error
	MarkCompleted(ctx context.Context, id int64, processedAt time.Time) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
	ScheduleRetry(ctx context.Context, id int64, retryCount int32, nextRetryAt time.Time, lastError string) error
	// ResetStaleProcessing returns PROCESSING entries untouched since before
	// back to PENDING so the dispatcher can pick them up again.
	ResetStaleProcessing(ctx context.Context, before time.Time) (int64, error)
	CountByStatus(ctx context.Context, status model.OutboxStatus) (int64, error)
}

// DlqEventStore defines the contract for dead-lettered outbox entries
type DlqEventStore interface {
	Create(ctx context.Context, event *model.DlqEvent) (*model.DlqEvent, error)
	GetByID(ctx context.Context, id int64) (*model.DlqEvent, error)
	List(ctx context.Context, limit int32) ([]model.DlqEvent, error)
	Delete(ctx context.Context, id int64) error
}

// RunStore defines the contract for price run data access
type RunStore interface {
	Create(ctx context.Context, run *model.Run) (*model.Run, error)
	GetByID(ctx context.Context, id int64) (*model.Run, error)
	MarkFinished(ctx context.Context, id int64, status model.RunStatus, finishedAt time.Time) error
	SetQueued(ctx context.Context, id int64) error
}

// TargetStore defines the contract for run target data access
type TargetStore interface {
	CreateBatch(ctx context.Context, targets []model.Target) error
	GetByID(ctx context.Context, id int64) (*model.Target, error)
	ListByRun(ctx context.Context, runID int64) ([]model.Target, error)
	ListQueuedByRun(ctx context.Context, runID int64) ([]model.Target, error)
	ListAppliedByRun(ctx context.Context, runID int64) ([]model.Target, error)
	// ClaimQueued transitions QUEUED -> APPLYING; claims are a status
	// transition, not a separate lock table. Returns false when the row was
	// already claimed or not queued.
	ClaimQueued(ctx context.Context, id int64) (bool, error)
	MarkApplied(ctx context.Context, id int64, afterJSON json.RawMessage, attempts int32, lastAttempt time.Time) error
	MarkFailed(ctx context.Context, id int64, errMsg string, errCode *string, attempts int32, lastAttempt time.Time) error
	// ResetToQueued puts targets back in the worker's path with zeroed
	// attempts and the given explanatory message (may be empty).
	ResetToQueued(ctx context.Context, ids []int64, reason string) error
	ListFailedByProject(ctx context.Context, projectID int64, limit int32) ([]model.Target, error)
	ListFailedByRun(ctx context.Context, runID int64) ([]model.Target, error)
	ListStaleFailed(ctx context.Context, before time.Time, limit int32) ([]model.Target, error)
	DeleteFailedOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Provider exposes all stores bound to one database handle (pool or
// transaction).
type Provider interface {
	EventLogs() EventLogStore
	Outbox() OutboxStore
	DlqEvents() DlqEventStore
	Runs() RunStore
	Targets() TargetStore
}

// TxRunner runs functions within a transaction and provides stores bound to that transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(stores Provider) error) error
}
