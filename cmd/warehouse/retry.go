package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy wraps external calls in bounded attempts with exponential
// backoff. The surrounding scheduler used to own retries; here the
// pipeline owns them.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: 2 * time.Second}
}

// Do runs fn until it succeeds, attempts are exhausted, or ctx is done.
// The delay doubles after each failed attempt.
func (p RetryPolicy) Do(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Delay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		logger.Warn(fmt.Sprintf("%s failed (attempt %d/%d), retrying in %s: %v",
			op, attempt, attempts, delay, err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
}
