package ledger_test

import (
	"context"
	"time"

	"pricewave.io/engine/internal/model"
	"pricewave.io/engine/internal/store"
)

type mockEventLogStore struct {
	insertFn        func(ctx context.Context, entry *model.EventLogEntry) (*model.EventLogEntry, bool, error)
	listForReplayFn func(ctx context.Context, filter store.ReplayFilter) ([]model.EventLogEntry, error)
	capturedEntries []*model.EventLogEntry
}

func (m *mockEventLogStore) Insert(ctx context.Context, entry *model.EventLogEntry) (*model.EventLogEntry, bool, error) {
	m.capturedEntries = append(m.capturedEntries, entry)
	if m.insertFn != nil {
		return m.insertFn(ctx, entry)
	}
	return entry, true, nil
}

func (m *mockEventLogStore) GetByID(ctx context.Context, id int64) (*model.EventLogEntry, error) {
	return nil, store.ErrNotFound
}

func (m *mockEventLogStore) ListForReplay(ctx context.Context, filter store.ReplayFilter) ([]model.EventLogEntry, error) {
	if m.listForReplayFn != nil {
		return m.listForReplayFn(ctx, filter)
	}
	return nil, nil
}

func (m *mockEventLogStore) ListByCorrelation(ctx context.Context, tenantID, correlationID string) ([]model.EventLogEntry, error) {
	return nil, nil
}

func (m *mockEventLogStore) CountByType(ctx context.Context, tenantID string) ([]store.EventTypeCount, error) {
	return nil, nil
}

func (m *mockEventLogStore) FindDuplicateKeys(ctx context.Context, tenantID string) ([]store.DuplicateKey, error) {
	return nil, nil
}

type mockOutboxStore struct {
	createFn        func(ctx context.Context, entry *model.OutboxEntry) (*model.OutboxEntry, error)
	capturedEntries []*model.OutboxEntry
}

func (m *mockOutboxStore) Create(ctx context.Context, entry *model.OutboxEntry) (*model.OutboxEntry, error) {
	m.capturedEntries = append(m.capturedEntries, entry)
	if m.createFn != nil {
		return m.createFn(ctx, entry)
	}
	return entry, nil
}

func (m *mockOutboxStore) GetByID(ctx context.Context, id int64) (*model.OutboxEntry, error) {
	return nil, store.ErrNotFound
}

func (m *mockOutboxStore) ListDue(ctx context.Context, now time.Time, limit int32) ([]model.OutboxEntry, error) {
	return nil, nil
}

func (m *mockOutboxStore) MarkProcessing(ctx context.Context, id int64) error { return nil }

func (m *mockOutboxStore) MarkCompleted(ctx context.Context, id int64, processedAt time.Time) error {
	return nil
}

func (m *mockOutboxStore) MarkFailed(ctx context.Context, id int64, lastError string) error {
	return nil
}

func (m *mockOutboxStore) ScheduleRetry(ctx context.Context, id int64, retryCount int32, nextRetryAt time.Time, lastError string) error {
	return nil
}

func (m *mockOutboxStore) ResetStaleProcessing(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (m *mockOutboxStore) CountByStatus(ctx context.Context, status model.OutboxStatus) (int64, error) {
	return 0, nil
}

type mockProvider struct {
	eventLogs *mockEventLogStore
	outbox    *mockOutboxStore
}

func (m *mockProvider) EventLogs() store.EventLogStore { return m.eventLogs }
func (m *mockProvider) Outbox() store.OutboxStore      { return m.outbox }
func (m *mockProvider) DlqEvents() store.DlqEventStore { return nil }
func (m *mockProvider) Runs() store.RunStore           { return nil }
func (m *mockProvider) Targets() store.TargetStore     { return nil }

type mockTxRunner struct {
	provider *mockProvider
	withTxFn func(ctx context.Context, fn func(stores store.Provider) error) error
	txCalls  int
}

func (m *mockTxRunner) WithTx(ctx context.Context, fn func(stores store.Provider) error) error {
	m.txCalls++
	if m.withTxFn != nil {
		return m.withTxFn(ctx, fn)
	}
	return fn(m.provider)
}
