package driver

import (
	"context"
	"fmt"
	"time"

	"launchLedger/internal/chain"
)

// RetriesExhaustedError is returned when a transient failure outlived the retry budget.
type RetriesExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

// withRetry runs fn with doubling backoff. Permanent errors and context cancellation end it
// immediately; anything else is retried up to maxRetries times.
func withRetry(ctx context.Context, op string, maxRetries int, baseDelay time.Duration, onErr func(error), fn func(context.Context) error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	delay := baseDelay
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if onErr != nil {
			onErr(err)
		}
		if chain.IsPermanent(err) {
			return err
		}
		if attempt >= maxRetries {
			return &RetriesExhaustedError{Op: op, Attempts: attempt + 1, Err: err}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
	}
}
