package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"pricewave.io/engine/internal/model"
	"pricewave.io/engine/internal/queue"
	"pricewave.io/engine/internal/store"
)

type mockRunStore struct {
	createFn  func(ctx context.Context, run *model.Run) (*model.Run, error)
	getByIDFn func(ctx context.Context, id int64) (*model.Run, error)

	created []*model.Run
}

func (m *mockRunStore) Create(ctx context.Context, run *model.Run) (*model.Run, error) {
	m.created = append(m.created, run)
	if m.createFn != nil {
		return m.createFn(ctx, run)
	}
	out := *run
	out.QueuedAt = time.Now()
	return &out, nil
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

func (m *mockRunStore) SetQueued(ctx context.Context, id int64) error { return nil }

type mockTargetStore struct {
	createBatchFn func(ctx context.Context, targets []model.Target) error
	listByRunFn   func(ctx context.Context, runID int64) ([]model.Target, error)

	createdBatches [][]model.Target
}

func (m *mockTargetStore) CreateBatch(ctx context.Context, targets []model.Target) error {
	m.createdBatches = append(m.createdBatches, targets)
	if m.createBatchFn != nil {
		return m.createBatchFn(ctx, targets)
	}
	return nil
}

func (m *mockTargetStore) GetByID(ctx context.Context, id int64) (*model.Target, error) {
	return nil, store.ErrNotFound
}

func (m *mockTargetStore) ListByRun(ctx context.Context, runID int64) ([]model.Target, error) {
	if m.listByRunFn != nil {
		return m.listByRunFn(ctx, runID)
	}
	return nil, nil
}

func (m *mockTargetStore) ListQueuedByRun(ctx context.Context, runID int64) ([]model.Target, error) {
	return nil, nil
}

func (m *mockTargetStore) ListAppliedByRun(ctx context.Context, runID int64) ([]model.Target, error) {
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
	failWith error
}

func (m *mockTxRunner) WithTx(ctx context.Context, fn func(stores store.Provider) error) error {
	m.txCalls++
	if m.failWith != nil {
		return m.failWith
	}
	return fn(m.provider)
}

type mockProducer struct {
	enqueueFn func(ctx context.Context, msg queue.RunMessage) error
	enqueued  []queue.RunMessage
}

func (m *mockProducer) Enqueue(ctx context.Context, msg queue.RunMessage) error {
	if m.enqueueFn != nil {
		if err := m.enqueueFn(ctx, msg); err != nil {
			return err
		}
	}
	m.enqueued = append(m.enqueued, msg)
	return nil
}

func (m *mockProducer) Close() error { return nil }

var errBroker = errors.New("broker unavailable")
