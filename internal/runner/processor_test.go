package runner_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"pricewave.io/engine/common/id"
	"pricewave.io/engine/core/config"
	"pricewave.io/engine/internal/backoff"
	"pricewave.io/engine/internal/connector"
	"pricewave.io/engine/internal/model"
	"pricewave.io/engine/internal/queue"
	"pricewave.io/engine/internal/runner"
)

var _ = Describe("Processor", func() {
	var (
		runs      *fakeRunStore
		targets   *fakeTargetStore
		provider  *fakeProvider
		ledgerSvc *mockLedger
		conn      *mockConnector
		registry  *connector.Registry
		scheduler *mockScheduler
		processor *runner.Processor
		ctx       context.Context
	)

	const (
		runID     = int64(100)
		projectID = int64(7)
	)

	newTarget := func(id int64) model.Target {
		return model.Target{
			ID:         id,
			RunID:      runID,
			ProductID:  id * 10,
			Channel:    "webstore",
			ExternalID: "ext",
			PriceCents: 1299,
			Currency:   "USD",
			Status:     model.TargetStatusQueued,
		}
	}

	msg := queue.Message{RunID: runID, ProjectID: projectID, TenantID: "tenant-1", Attempt: 1}

	// Fast schedule so exhaustion tests don't sleep for real.
	fastBackoff := backoff.Options{
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
		Multiplier: 2,
		Jitter:     0,
	}

	build := func(targetList ...model.Target) {
		runs = newFakeRunStore(model.Run{
			ID:        runID,
			ProjectID: projectID,
			TenantID:  "tenant-1",
			Status:    model.RunStatusQueued,
			QueuedAt:  time.Now(),
		})
		targets = newFakeTargetStore(targetList...)
		provider = &fakeProvider{runs: runs, targets: targets}
		ledgerSvc = &mockLedger{}
		scheduler = &mockScheduler{}
		registry = connector.NewRegistry()
		Expect(registry.Register(conn)).To(Succeed())

		processor = runner.NewProcessor(provider, ledgerSvc, registry, nil, scheduler, config.RunnerConfig{
			MaxConcurrency:       5,
			MaxRetries:           3,
			EnableReconciliation: true,
		}, fastBackoff, nil)
	}

	BeforeEach(func() {
		ctx = context.Background()
		conn = &mockConnector{}
		Expect(id.Init(1)).To(Succeed())
	})

	Context("when every target applies", func() {
		BeforeEach(func() {
			build(newTarget(1), newTarget(2), newTarget(3))
		})

		It("finishes the run as APPLIED", func() {
			Expect(processor.ProcessRun(ctx, msg)).To(Succeed())

			run, err := runs.GetByID(ctx, runID)
			Expect(err).NotTo(HaveOccurred())
			Expect(run.Status).To(Equal(model.RunStatusApplied))
			Expect(run.FinishedAt).NotTo(BeNil())
		})

		It("records the after snapshot on each target", func() {
			Expect(processor.ProcessRun(ctx, msg)).To(Succeed())

			applied, err := targets.ListAppliedByRun(ctx, runID)
			Expect(err).NotTo(HaveOccurred())
			Expect(applied).To(HaveLen(3))
			for _, t := range applied {
				Expect(t.AfterJSON).To(MatchJSON(`{"price_cents":1299,"currency":"USD"}`))
				Expect(t.Attempts).To(Equal(int32(1)))
			}
		})

		It("writes one ledger event per target plus the run event", func() {
			Expect(processor.ProcessRun(ctx, msg)).To(Succeed())
			Expect(ledgerSvc.eventTypes()).To(HaveLen(4))
		})

		It("schedules reconciliation", func() {
			Expect(processor.ProcessRun(ctx, msg)).To(Succeed())
			Expect(scheduler.runs()).To(Equal([]int64{runID}))
		})
	})

	Context("when one target fails permanently and the rest apply", func() {
		BeforeEach(func() {
			conn.applyFn = func(ctx context.Context, req connector.ApplyRequest) (*model.PriceSnapshot, error) {
				if req.ExternalID == "gone" {
					return nil, backoff.NewStatusError(404, "product not found")
				}
				return &model.PriceSnapshot{PriceCents: req.PriceCents, Currency: req.Currency}, nil
			}

			bad := newTarget(2)
			bad.ExternalID = "gone"
			build(newTarget(1), bad, newTarget(3))
		})

		It("finishes the run as PARTIAL with the failure isolated", func() {
			Expect(processor.ProcessRun(ctx, msg)).To(Succeed())

			run, err := runs.GetByID(ctx, runID)
			Expect(err).NotTo(HaveOccurred())
			Expect(run.Status).To(Equal(model.RunStatusPartial))

			applied, _ := targets.ListAppliedByRun(ctx, runID)
			failed, _ := targets.ListFailedByRun(ctx, runID)
			Expect(applied).To(HaveLen(2))
			Expect(failed).To(HaveLen(1))
			Expect(*failed[0].ErrorCode).To(Equal("HTTP_404"))
		})

		It("does not retry the non-retryable failure", func() {
			Expect(processor.ProcessRun(ctx, msg)).To(Succeed())

			failed, _ := targets.ListFailedByRun(ctx, runID)
			Expect(failed[0].Attempts).To(Equal(int32(1)))
		})

		It("still schedules reconciliation for the applied targets", func() {
			Expect(processor.ProcessRun(ctx, msg)).To(Succeed())
			Expect(scheduler.runs()).To(Equal([]int64{runID}))
		})
	})

	Context("when every target fails", func() {
		BeforeEach(func() {
			conn.applyFn = func(ctx context.Context, req connector.ApplyRequest) (*model.PriceSnapshot, error) {
				return nil, backoff.NewStatusError(503, "channel down")
			}
			build(newTarget(1), newTarget(2))
		})

		It("finishes the run as FAILED", func() {
			Expect(processor.ProcessRun(ctx, msg)).To(Succeed())

			run, err := runs.GetByID(ctx, runID)
			Expect(err).NotTo(HaveOccurred())
			Expect(run.Status).To(Equal(model.RunStatusFailed))
		})

		It("exhausts maxRetries+1 attempts per target", func() {
			Expect(processor.ProcessRun(ctx, msg)).To(Succeed())

			failed, _ := targets.ListFailedByRun(ctx, runID)
			Expect(failed).To(HaveLen(2))
			for _, t := range failed {
				Expect(t.Attempts).To(Equal(int32(4)))
				Expect(*t.ErrorCode).To(Equal("HTTP_503"))
			}
		})

		It("does not schedule reconciliation", func() {
			Expect(processor.ProcessRun(ctx, msg)).To(Succeed())
			Expect(scheduler.runs()).To(BeEmpty())
		})
	})

	Context("when the channel has no connector", func() {
		BeforeEach(func() {
			orphan := newTarget(1)
			orphan.Channel = "posnet"
			build(orphan)
		})

		It("fails the target without calling any channel", func() {
			Expect(processor.ProcessRun(ctx, msg)).To(Succeed())

			failed, _ := targets.ListFailedByRun(ctx, runID)
			Expect(failed).To(HaveLen(1))
			Expect(*failed[0].ErrorCode).To(Equal("NO_CONNECTOR"))
			Expect(conn.calls()).To(BeZero())
		})
	})

	Context("when the run does not exist", func() {
		BeforeEach(func() {
			build()
		})

		It("drops the message without error", func() {
			Expect(processor.ProcessRun(ctx, queue.Message{RunID: 999, TenantID: "tenant-1"})).To(Succeed())
		})
	})

	Context("when a target was already claimed", func() {
		BeforeEach(func() {
			busy := newTarget(1)
			busy.Status = model.TargetStatusApplied
			build(busy)
		})

		It("skips it and finalizes from the stored state", func() {
			Expect(processor.ProcessRun(ctx, msg)).To(Succeed())

			run, err := runs.GetByID(ctx, runID)
			Expect(err).NotTo(HaveOccurred())
			Expect(run.Status).To(Equal(model.RunStatusApplied))
			Expect(conn.calls()).To(BeZero())
		})
	})
})
