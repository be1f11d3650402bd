package reconcile_test

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"pricewave.io/engine/internal/connector"
	"pricewave.io/engine/internal/ledger"
	"pricewave.io/engine/internal/model"
	"pricewave.io/engine/internal/queue"
	"pricewave.io/engine/internal/store"
)

type mockRunStore struct {
	getByIDFn func(ctx context.Context, id int64) (*model.Run, error)

	queuedIDs []int64
}

func (m *mockRunStore) Create(ctx context.Context, run *model.Run) (*model.Run, error) {
	return run, nil
}

func (m *mockRunStore) GetByID(ctx context.Context, id int64) (*model.Run, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, store.ErrNotFound
}

func (m *mockRunStore) MarkFinished(ctx context.Context, id int64, status model.RunStatus, finishedAt time.Time) error {
	return nil
}

func (m *mockRunStore) SetQueued(ctx context.Context, id int64) error {
	m.queuedIDs = append(m.queuedIDs, id)
	return nil
}

type mockTargetStore struct {
	listAppliedByRunFn func(ctx context.Context, runID int64) ([]model.Target, error)

	resetIDs    []int64
	resetReason string
}

func (m *mockTargetStore) CreateBatch(ctx context.Context, targets []model.Target) error { return nil }

func (m *mockTargetStore) GetByID(ctx context.Context, id int64) (*model.Target, error) {
	return nil, store.ErrNotFound
}

func (m *mockTargetStore) ListByRun(ctx context.Context, runID int64) ([]model.Target, error) {
	return nil, nil
}

func (m *mockTargetStore) ListQueuedByRun(ctx context.Context, runID int64) ([]model.Target, error) {
	return nil, nil
}

func (m *mockTargetStore) ListAppliedByRun(ctx context.Context, runID int64) ([]model.Target, error) {
	if m.listAppliedByRunFn != nil {
		return m.listAppliedByRunFn(ctx, runID)
	}
	return nil, nil
}

func (m *mockTargetStore) ClaimQueued(ctx context.Context, id int64) (bool, error) {
	return false, nil
}

func (m *mockTargetStore) MarkApplied(ctx context.Context, id int64, afterJSON json.RawMessage, attempts int32, lastAttempt time.Time) error {
	return nil
}

func (m *mockTargetStore) MarkFailed(ctx context.Context, id int64, errMsg string, errCode *string, attempts int32, lastAttempt time.Time) error {
	return nil
}

func (m *mockTargetStore) ResetToQueued(ctx context.Context, ids []int64, reason string) error {
	m.resetIDs = append(m.resetIDs, ids...)
	m.resetReason = reason
	return nil
}

func (m *mockTargetStore) ListFailedByProject(ctx context.Context, projectID int64, limit int32) ([]model.Target, error) {
	return nil, nil
}

func (m *mockTargetStore) ListFailedByRun(ctx context.Context, runID int64) ([]model.Target, error) {
	return nil, nil
}

func (m *mockTargetStore) ListStaleFailed(ctx context.Context, before time.Time, limit int32) ([]model.Target, error) {
	return nil, nil
}

func (m *mockTargetStore) DeleteFailedOlderThan(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type mockProvider struct {
	runs    *mockRunStore
	targets *mockTargetStore
}

func (m *mockProvider) EventLogs() store.EventLogStore { return nil }
func (m *mockProvider) Outbox() store.OutboxStore      { return nil }
func (m *mockProvider) DlqEvents() store.DlqEventStore { return nil }
func (m *mockProvider) Runs() store.RunStore           { return m.runs }
func (m *mockProvider) Targets() store.TargetStore     { return m.targets }

type mockTxRunner struct {
	provider *mockProvider
	txCalls  int
}

func (m *mockTxRunner) WithTx(ctx context.Context, fn func(stores store.Provider) error) error {
	m.txCalls++
	return fn(m.provider)
}

type mockLedger struct {
	mu     sync.Mutex
	events []model.EventPayload
}

func (m *mockLedger) WriteEvent(ctx context.Context, payload model.EventPayload) (*ledger.WriteResult, error) {
	return m.WriteEventWithOutbox(ctx, payload)
}

func (m *mockLedger) WriteEventWithOutbox(ctx context.Context, payload model.EventPayload) (*ledger.WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, payload)
	return &ledger.WriteResult{Entry: &model.EventLogEntry{ID: int64(len(m.events))}}, nil
}

func (m *mockLedger) WriteEventBatch(ctx context.Context, payloads []model.EventPayload) ([]ledger.WriteResult, error) {
	return nil, nil
}

func (m *mockLedger) EventsForReplay(ctx context.Context, filter store.ReplayFilter) ([]model.EventLogEntry, error) {
	return nil, nil
}

func (m *mockLedger) NextRetryAt(now time.Time, retryCount int32) time.Time {
	return now
}

func (m *mockLedger) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, 0, len(m.events))
	for _, e := range m.events {
		types = append(types, e.EventType)
	}
	return types
}

type mockConnector struct {
	channel string
	fetchFn func(ctx context.Context, externalID string, variantID *string) (*model.PriceSnapshot, error)
}

func (m *mockConnector) Channel() string { return m.channel }

func (m *mockConnector) ApplyPrice(ctx context.Context, req connector.ApplyRequest) (*model.PriceSnapshot, error) {
	return nil, nil
}

func (m *mockConnector) FetchPrice(ctx context.Context, externalID string, variantID *string) (*model.PriceSnapshot, error) {
	if m.fetchFn != nil {
		return m.fetchFn(ctx, externalID, variantID)
	}
	return nil, nil
}

func (m *mockConnector) Healthy(ctx context.Context) error { return nil }

type mockProducer struct {
	enqueued []queue.RunMessage
}

func (m *mockProducer) Enqueue(ctx context.Context, msg queue.RunMessage) error {
	m.enqueued = append(m.enqueued, msg)
	return nil
}

func (m *mockProducer) Close() error { return nil }
