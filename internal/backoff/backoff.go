// Package backoff provides exponential backoff with jitter, the retryability
// taxonomy shared by the outbox dispatcher and the run worker, and a
// context-aware retry helper.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultBaseDelay  = 2 * time.Second
	DefaultMaxDelay   = 64 * time.Second
	DefaultMultiplier = 2.0
	DefaultJitter     = 0.2

	// Rate-limited calls back off from a higher floor.
	RateLimitBaseDelay = 16 * time.Second
)

type Options struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64
}

func DefaultOptions() Options {
	return Options{
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		Multiplier: DefaultMultiplier,
		Jitter:     DefaultJitter,
	}
}

// RateLimitOptions is the profile applied to 429-class errors when the
// response carries no usable Retry-After header.
func RateLimitOptions() Options {
	opts := DefaultOptions()
	opts.BaseDelay = RateLimitBaseDelay
	return opts
}

func (o Options) normalize() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.Multiplier <= 0 {
		o.Multiplier = DefaultMultiplier
	}
	if o.Jitter < 0 {
		o.Jitter = 0
	}
	return o
}

// Calculate returns min(base * multiplier^attempt, maxDelay) with symmetric
// jitter of ±jitter*delay applied, floored at zero. Attempt numbering starts
// at zero.
func Calculate(attempt int, opts Options) time.Duration {
	opts = opts.normalize()
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(opts.BaseDelay) * math.Pow(opts.Multiplier, float64(attempt))
	if delay > float64(opts.MaxDelay) {
		delay = float64(opts.MaxDelay)
	}

	if opts.Jitter > 0 {
		// rand.Float64()*2-1 is uniform in [-1, 1)
		delay += delay * opts.Jitter * (rand.Float64()*2 - 1)
	}

	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// RetrySchedule returns the first n delays without jitter, useful for
// surfacing the retry plan in reports and tests.
func RetrySchedule(n int, opts Options) []time.Duration {
	opts = opts.normalize()
	opts.Jitter = 0

	schedule := make([]time.Duration, 0, n)
	for attempt := 0; attempt < n; attempt++ {
		schedule = append(schedule, Calculate(attempt, opts))
	}
	return schedule
}

// Sleep waits for the given duration but returns early with the context
// error if the context is cancelled. Zero and negative durations return
// immediately.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
