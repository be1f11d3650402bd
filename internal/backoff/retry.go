package backoff

import (
	"context"
	"fmt"
)

// Retry attempts fn up to maxRetries+1 times with exponential backoff.
// Non-retryable errors are returned immediately without sleeping. On
// exhaustion the last error is returned. 429 responses use Handle429 for the
// sleep duration instead of the generic calculator.
func Retry(ctx context.Context, fn func(ctx context.Context) error, maxRetries int, opts Options) error {
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !IsRetryable(lastErr) {
			return lastErr
		}

		if attempt == maxRetries {
			break
		}

		delay := Calculate(attempt, opts)
		if decision := Handle429(lastErr, attempt); decision.Retry {
			delay = decision.Delay
		}

		if err := Sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry wait interrupted: %w", err)
		}
	}

	return lastErr
}
