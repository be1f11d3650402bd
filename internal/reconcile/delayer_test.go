package reconcile_test

import (
	"context"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"pricewave.io/engine/internal/reconcile"
)

type stubReconcileService struct {
	reconciles int64
	retries    int64
}

func (s *stubReconcileService) ReconcileRun(ctx context.Context, runID int64) (*reconcile.Report, error) {
	atomic.AddInt64(&s.reconciles, 1)
	return &reconcile.Report{RunID: runID}, nil
}

func (s *stubReconcileService) RetryMismatches(ctx context.Context, runID int64) (int, error) {
	atomic.AddInt64(&s.retries, 1)
	return 0, nil
}

var _ = Describe("Delayer", func() {
	var (
		ctx context.Context
		svc *stubReconcileService
	)

	BeforeEach(func() {
		ctx = context.Background()
		svc = &stubReconcileService{}
	})

	It("runs the check after the delay", func() {
		d := reconcile.NewDelayer(svc, time.Millisecond, false, nil)
		d.Schedule(ctx, 1, "tenant-1", 7)

		Eventually(func() int64 {
			return atomic.LoadInt64(&svc.reconciles)
		}).Should(Equal(int64(1)))
		d.Close()
	})

	It("requeues drifted targets when auto-retry is on", func() {
		d := reconcile.NewDelayer(svc, time.Millisecond, true, nil)
		d.Schedule(ctx, 1, "tenant-1", 7)

		Eventually(func() int64 {
			return atomic.LoadInt64(&svc.retries)
		}).Should(Equal(int64(1)))
		Expect(atomic.LoadInt64(&svc.reconciles)).To(BeZero())
		d.Close()
	})

	It("cancels pending timers on close instead of waiting them out", func() {
		d := reconcile.NewDelayer(svc, time.Hour, false, nil)
		d.Schedule(ctx, 1, "tenant-1", 7)
		d.Schedule(ctx, 2, "tenant-1", 7)

		start := time.Now()
		d.Close()

		Expect(time.Since(start)).To(BeNumerically("<", time.Second))
		Expect(atomic.LoadInt64(&svc.reconciles)).To(BeZero())
	})

	It("drops schedules after close", func() {
		d := reconcile.NewDelayer(svc, time.Millisecond, false, nil)
		d.Close()
		d.Schedule(ctx, 1, "tenant-1", 7)

		Consistently(func() int64 {
			return atomic.LoadInt64(&svc.reconciles)
		}, 50*time.Millisecond).Should(BeZero())
	})
})
