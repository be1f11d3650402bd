// Package metrics records pipeline observability signals through the
// OpenTelemetry metric API. The prometheus exporter wired at startup makes
// everything here scrapeable on /metrics.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder is the metrics surface the pipeline components write to.
type Recorder interface {
	// RecordRun records one finished price run with its terminal status.
	RecordRun(ctx context.Context, status string, duration time.Duration)
	// RecordTarget records one target reaching a terminal state on a channel.
	RecordTarget(ctx context.Context, channel, status string)
	// RecordDelivery records one outbox delivery attempt outcome.
	RecordDelivery(ctx context.Context, status string, duration time.Duration)
	// RecordDLQDepth adjusts the dead-letter backlog gauge by delta.
	RecordDLQDepth(ctx context.Context, delta int64)
	// RecordMismatch counts one reconciliation price mismatch.
	RecordMismatch(ctx context.Context, channel string)
	// RecordRateLimitHit counts one 429 observed for a project.
	RecordRateLimitHit(ctx context.Context, projectID int64)
	// RecordRateLimitBurst counts one burst alert raised for a project.
	RecordRateLimitBurst(ctx context.Context, projectID int64)
}

type recorder struct {
	runCounter       metric.Int64Counter
	runDuration      metric.Float64Histogram
	targetCounter    metric.Int64Counter
	deliveryCounter  metric.Int64Counter
	deliveryDuration metric.Float64Histogram
	dlqDepth         metric.Int64UpDownCounter
	mismatchCounter  metric.Int64Counter
	rateLimitCounter metric.Int64Counter
	burstCounter     metric.Int64Counter
}

// New creates a Recorder on the given meter provider. The namespace prefixes
// every metric name.
func New(meterProvider metric.MeterProvider, namespace string) (Recorder, error) {
	meter := meterProvider.Meter(namespace)

	runCounter, err := meter.Int64Counter(
		fmt.Sprintf("%s_runs_total", namespace),
		metric.WithDescription("Total number of finished price runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run counter: %w", err)
	}

	runDuration, err := meter.Float64Histogram(
		fmt.Sprintf("%s_run_duration_seconds", namespace),
		metric.WithDescription("Duration of price runs in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run duration histogram: %w", err)
	}

	targetCounter, err := meter.Int64Counter(
		fmt.Sprintf("%s_targets_total", namespace),
		metric.WithDescription("Total number of run targets reaching a terminal state"),
		metric.WithUnit("{target}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create target counter: %w", err)
	}

	deliveryCounter, err := meter.Int64Counter(
		fmt.Sprintf("%s_deliveries_total", namespace),
		metric.WithDescription("Total number of outbox delivery attempts"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery counter: %w", err)
	}

	deliveryDuration, err := meter.Float64Histogram(
		fmt.Sprintf("%s_delivery_duration_seconds", namespace),
		metric.WithDescription("Duration of outbox delivery attempts in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery duration histogram: %w", err)
	}

	dlqDepth, err := meter.Int64UpDownCounter(
		fmt.Sprintf("%s_dlq_depth", namespace),
		metric.WithDescription("Number of events currently dead-lettered"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dlq depth counter: %w", err)
	}

	mismatchCounter, err := meter.Int64Counter(
		fmt.Sprintf("%s_reconciliation_mismatches_total", namespace),
		metric.WithDescription("Total number of reconciliation price mismatches"),
		metric.WithUnit("{mismatch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mismatch counter: %w", err)
	}

	rateLimitCounter, err := meter.Int64Counter(
		fmt.Sprintf("%s_rate_limit_hits_total", namespace),
		metric.WithDescription("Total number of 429 responses observed"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit counter: %w", err)
	}

	burstCounter, err := meter.Int64Counter(
		fmt.Sprintf("%s_rate_limit_bursts_total", namespace),
		metric.WithDescription("Total number of rate limit burst alerts raised"),
		metric.WithUnit("{burst}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create burst counter: %w", err)
	}

	return &recorder{
		runCounter:       runCounter,
		runDuration:      runDuration,
		targetCounter:    targetCounter,
		deliveryCounter:  deliveryCounter,
		deliveryDuration: deliveryDuration,
		dlqDepth:         dlqDepth,
		mismatchCounter:  mismatchCounter,
		rateLimitCounter: rateLimitCounter,
		burstCounter:     burstCounter,
	}, nil
}

func (r *recorder) RecordRun(ctx context.Context, status string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	r.runCounter.Add(ctx, 1, attrs)
	r.runDuration.Record(ctx, duration.Seconds(), attrs)
}

func (r *recorder) RecordTarget(ctx context.Context, channel, status string) {
	r.targetCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("status", status),
	))
}

func (r *recorder) RecordDelivery(ctx context.Context, status string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	r.deliveryCounter.Add(ctx, 1, attrs)
	r.deliveryDuration.Record(ctx, duration.Seconds(), attrs)
}

func (r *recorder) RecordDLQDepth(ctx context.Context, delta int64) {
	r.dlqDepth.Add(ctx, delta)
}

func (r *recorder) RecordMismatch(ctx context.Context, channel string) {
	r.mismatchCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

func (r *recorder) RecordRateLimitHit(ctx context.Context, projectID int64) {
	r.rateLimitCounter.Add(ctx, 1, metric.WithAttributes(attribute.Int64("project_id", projectID)))
}

func (r *recorder) RecordRateLimitBurst(ctx context.Context, projectID int64) {
	r.burstCounter.Add(ctx, 1, metric.WithAttributes(attribute.Int64("project_id", projectID)))
}

// NoOp is a Recorder that discards everything, used in tests and when
// metrics are disabled.
type NoOp struct{}

func NewNoOp() Recorder { return &NoOp{} }

func (n *NoOp) RecordRun(ctx context.Context, status string, duration time.Duration)      {}
func (n *NoOp) RecordTarget(ctx context.Context, channel, status string)                  {}
func (n *NoOp) RecordDelivery(ctx context.Context, status string, duration time.Duration) {}
func (n *NoOp) RecordDLQDepth(ctx context.Context, delta int64)                           {}
func (n *NoOp) RecordMismatch(ctx context.Context, channel string)                        {}
func (n *NoOp) RecordRateLimitHit(ctx context.Context, projectID int64)                   {}
func (n *NoOp) RecordRateLimitBurst(ctx context.Context, projectID int64)                 {}
