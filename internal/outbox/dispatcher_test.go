package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"pricewave.io/engine/common/id"
	"pricewave.io/engine/core/config"
	"pricewave.io/engine/internal/backoff"
	"pricewave.io/engine/internal/model"
	"pricewave.io/engine/internal/outbox"
)

var _ = Describe("Dispatcher", func() {
	var (
		dispatcher *outbox.Dispatcher
		registry   *outbox.Registry
		outboxes   *mockOutboxStore
		eventLogs  *mockEventLogStore
		dlqEvents  *mockDlqEventStore
		provider   *mockProvider
		txRunner   *mockTxRunner
		ctx        context.Context
	)

	event := model.EventLogEntry{
		ID:        500,
		EventKey:  "evt-1",
		TenantID:  "tenant-1",
		EventType: model.EventTypePriceChangeApplied,
		Payload:   json.RawMessage(`{"price_cents":1299}`),
	}

	dueEntry := func(retryCount int32) model.OutboxEntry {
		return model.OutboxEntry{
			ID:         1,
			EventLogID: event.ID,
			Status:     model.OutboxStatusPending,
			RetryCount: retryCount,
			MaxRetries: 3,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		outboxes = &mockOutboxStore{}
		eventLogs = &mockEventLogStore{
			getByIDFn: func(ctx context.Context, id int64) (*model.EventLogEntry, error) {
				return &event, nil
			},
		}
		dlqEvents = &mockDlqEventStore{}
		provider = &mockProvider{eventLogs: eventLogs, outbox: outboxes, dlqEvents: dlqEvents}
		txRunner = &mockTxRunner{provider: provider}
		registry = outbox.NewRegistry()

		Expect(id.Init(1)).To(Succeed())

		dispatcher = outbox.NewDispatcher(provider, txRunner, &mockLedger{}, registry, nil, config.OutboxConfig{
			PollInterval:   time.Second,
			BatchSize:      100,
			MaxRetries:     3,
			StuckThreshold: 5 * time.Minute,
		}, nil)
	})

	Describe("DispatchOnce", func() {
		Context("when delivery succeeds", func() {
			BeforeEach(func() {
				registry.Register(outbox.Subscriber{
					Name:       "audit",
					EventTypes: []string{model.EventTypePriceChangeApplied},
					Handle: func(ctx context.Context, e model.EventLogEntry) error {
						return nil
					},
				})
				entry := dueEntry(0)
				outboxes.listDueFn = func(ctx context.Context, now time.Time, limit int32) ([]model.OutboxEntry, error) {
					return []model.OutboxEntry{entry}, nil
				}
			})

			It("completes the entry", func() {
				delivered, err := dispatcher.DispatchOnce(ctx)

				Expect(err).NotTo(HaveOccurred())
				Expect(delivered).To(Equal(1))
				Expect(outboxes.processingIDs).To(Equal([]int64{1}))
				Expect(outboxes.completedIDs).To(Equal([]int64{1}))
				Expect(outboxes.retries).To(BeEmpty())
				Expect(dlqEvents.created).To(BeEmpty())
			})
		})

		Context("when no subscriber matches the event type", func() {
			BeforeEach(func() {
				registry.Register(outbox.Subscriber{
					Name:       "dlq-reports",
					EventTypes: []string{model.EventTypeDLQReport},
					Handle: func(ctx context.Context, e model.EventLogEntry) error {
						return errors.New("should not be called")
					},
				})
				entry := dueEntry(0)
				outboxes.listDueFn = func(ctx context.Context, now time.Time, limit int32) ([]model.OutboxEntry, error) {
					return []model.OutboxEntry{entry}, nil
				}
			})

			It("completes the entry without delivering", func() {
				delivered, err := dispatcher.DispatchOnce(ctx)

				Expect(err).NotTo(HaveOccurred())
				Expect(delivered).To(Equal(1))
				Expect(outboxes.completedIDs).To(Equal([]int64{1}))
			})
		})

		Context("when delivery fails with a retryable error", func() {
			BeforeEach(func() {
				registry.Register(outbox.Subscriber{
					Name: "flaky",
					Handle: func(ctx context.Context, e model.EventLogEntry) error {
						return backoff.NewStatusError(503, "downstream unavailable")
					},
				})
				entry := dueEntry(1)
				outboxes.listDueFn = func(ctx context.Context, now time.Time, limit int32) ([]model.OutboxEntry, error) {
					return []model.OutboxEntry{entry}, nil
				}
			})

			It("schedules a retry with the backoff timetable", func() {
				delivered, err := dispatcher.DispatchOnce(ctx)

				Expect(err).NotTo(HaveOccurred())
				Expect(delivered).To(Equal(1))
				Expect(outboxes.completedIDs).To(BeEmpty())
				Expect(outboxes.retries).To(HaveLen(1))

				retry := outboxes.retries[0]
				Expect(retry.retryCount).To(Equal(int32(2)))
				// mockLedger schedules (retryCount+1) minutes out
				Expect(retry.nextRetryAt).To(BeTemporally("~", time.Now().Add(2*time.Minute), 5*time.Second))
				Expect(retry.lastError).To(ContainSubstring("downstream unavailable"))
			})
		})

		Context("when delivery fails with a non-retryable error", func() {
			BeforeEach(func() {
				registry.Register(outbox.Subscriber{
					Name: "strict",
					Handle: func(ctx context.Context, e model.EventLogEntry) error {
						return backoff.NewStatusError(400, "malformed event")
					},
				})
				entry := dueEntry(0)
				outboxes.listDueFn = func(ctx context.Context, now time.Time, limit int32) ([]model.OutboxEntry, error) {
					return []model.OutboxEntry{entry}, nil
				}
			})

			It("dead-letters immediately with retries left", func() {
				_, err := dispatcher.DispatchOnce(ctx)

				Expect(err).NotTo(HaveOccurred())
				Expect(outboxes.retries).To(BeEmpty())
				Expect(txRunner.txCalls).To(Equal(1))
				Expect(outboxes.failedIDs).To(Equal([]int64{1}))
				Expect(dlqEvents.created).To(HaveLen(1))
				Expect(dlqEvents.created[0].EventLogID).To(Equal(event.ID))
				Expect(dlqEvents.created[0].FailureReason).To(ContainSubstring("malformed event"))
			})
		})

		Context("when the retry budget is exhausted", func() {
			BeforeEach(func() {
				registry.Register(outbox.Subscriber{
					Name: "flaky",
					Handle: func(ctx context.Context, e model.EventLogEntry) error {
						return backoff.NewStatusError(503, "still down")
					},
				})
				entry := dueEntry(3)
				outboxes.listDueFn = func(ctx context.Context, now time.Time, limit int32) ([]model.OutboxEntry, error) {
					return []model.OutboxEntry{entry}, nil
				}
			})

			It("fails the entry and records the DLQ event atomically", func() {
				_, err := dispatcher.DispatchOnce(ctx)

				Expect(err).NotTo(HaveOccurred())
				Expect(txRunner.txCalls).To(Equal(1))
				Expect(outboxes.failedIDs).To(Equal([]int64{1}))
				Expect(dlqEvents.created).To(HaveLen(1))
				Expect(dlqEvents.created[0].RetryCount).To(Equal(int32(3)))
			})
		})

		Context("when one subscriber fails among several", func() {
			var delivered []string

			BeforeEach(func() {
				delivered = nil
				registry.Register(outbox.Subscriber{
					Name: "first",
					Handle: func(ctx context.Context, e model.EventLogEntry) error {
						delivered = append(delivered, "first")
						return nil
					},
				})
				registry.Register(outbox.Subscriber{
					Name: "second",
					Handle: func(ctx context.Context, e model.EventLogEntry) error {
						return backoff.NewStatusError(503, "subscriber down")
					},
				})
				registry.Register(outbox.Subscriber{
					Name: "third",
					Handle: func(ctx context.Context, e model.EventLogEntry) error {
						delivered = append(delivered, "third")
						return nil
					},
				})
				entry := dueEntry(0)
				outboxes.listDueFn = func(ctx context.Context, now time.Time, limit int32) ([]model.OutboxEntry, error) {
					return []model.OutboxEntry{entry}, nil
				}
			})

			It("stops the fan-out and retries the whole entry", func() {
				_, err := dispatcher.DispatchOnce(ctx)

				Expect(err).NotTo(HaveOccurred())
				Expect(delivered).To(Equal([]string{"first"}))
				Expect(outboxes.retries).To(HaveLen(1))
			})
		})
	})

	Describe("RetryFromDLQ", func() {
		BeforeEach(func() {
			dlqEvents.getByIDFn = func(ctx context.Context, id int64) (*model.DlqEvent, error) {
				return &model.DlqEvent{ID: id, EventLogID: event.ID, OutboxEntryID: 1, RetryCount: 4}, nil
			}
		})

		It("replaces the DLQ row with a fresh pending entry", func() {
			fresh, err := dispatcher.RetryFromDLQ(ctx, 77)

			Expect(err).NotTo(HaveOccurred())
			Expect(txRunner.txCalls).To(Equal(1))
			Expect(dlqEvents.deletedIDs).To(Equal([]int64{77}))
			Expect(fresh.Status).To(Equal(model.OutboxStatusPending))
			Expect(fresh.RetryCount).To(BeZero())
			Expect(fresh.MaxRetries).To(Equal(int32(3)))
			Expect(fresh.EventLogID).To(Equal(event.ID))
		})
	})

	Describe("ReleaseStuck", func() {
		It("returns entries stuck in PROCESSING to PENDING", func() {
			outboxes.resetStaleCount = 2

			released, err := dispatcher.ReleaseStuck(ctx)

			Expect(err).NotTo(HaveOccurred())
			Expect(released).To(Equal(int64(2)))
			Expect(outboxes.resetStaleBefore).To(HaveLen(1))
			cutoff := outboxes.resetStaleBefore[0]
			Expect(cutoff).To(BeTemporally("~", time.Now().Add(-5*time.Minute), time.Second))
		})
	})
})
