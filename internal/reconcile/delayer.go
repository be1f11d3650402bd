package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Delayer schedules reconciliation passes with in-process timers. A check
// scheduled here does not survive a worker restart; the admin reconcile
// endpoint covers runs whose timer was lost. With auto-retry enabled the
// scheduled pass also requeues any drifted targets.
type Delayer struct {
	svc       Service
	delay     time.Duration
	autoRetry bool
	logger    *slog.Logger

	mu     sync.Mutex
	seq    int64
	timers map[int64]*time.Timer
	closed bool
	wg     sync.WaitGroup
}

func NewDelayer(svc Service, delay time.Duration, autoRetry bool, log *slog.Logger) *Delayer {
	if log == nil {
		log = slog.Default()
	}
	return &Delayer{
		svc:       svc,
		delay:     delay,
		autoRetry: autoRetry,
		logger:    log,
		timers:    make(map[int64]*time.Timer),
	}
}

// Schedule arranges a reconciliation pass for the run after the configured
// delay. The check runs detached from the caller's context, which belongs to
// a queue message that will be acked long before the timer fires.
func (d *Delayer) Schedule(ctx context.Context, runID int64, tenantID string, projectID int64) {
	detached := context.WithoutCancel(ctx)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.WarnContext(ctx, "delayer closed, reconciliation check dropped", "run_id", runID)
		return
	}
	d.seq++
	key := d.seq
	d.wg.Add(1)
	d.timers[key] = time.AfterFunc(d.delay, func() {
		defer d.wg.Done()
		d.mu.Lock()
		delete(d.timers, key)
		d.mu.Unlock()

		d.run(detached, runID, tenantID, projectID)
	})
	d.mu.Unlock()

	d.logger.InfoContext(ctx, "reconciliation scheduled",
		"run_id", runID,
		"delay", d.delay.String())
}

func (d *Delayer) run(ctx context.Context, runID int64, tenantID string, projectID int64) {
	var err error
	if d.autoRetry {
		_, err = d.svc.RetryMismatches(ctx, runID)
	} else {
		_, err = d.svc.ReconcileRun(ctx, runID)
	}
	if err != nil {
		d.logger.ErrorContext(ctx, "scheduled reconciliation failed",
			"run_id", runID,
			"tenant_id", tenantID,
			"project_id", projectID,
			"error", err)
	}
}

// Close cancels pending timers and waits only for checks already running.
// Canceled checks are dropped; the admin reconcile endpoint covers them.
func (d *Delayer) Close() {
	d.mu.Lock()
	d.closed = true
	dropped := 0
	for key, timer := range d.timers {
		if timer.Stop() {
			d.wg.Done()
			delete(d.timers, key)
			dropped++
		}
	}
	d.mu.Unlock()

	if dropped > 0 {
		d.logger.Warn("pending reconciliation checks dropped on shutdown", "count", dropped)
	}
	d.wg.Wait()
}
