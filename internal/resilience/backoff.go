package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Default retry pacing.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ErrRetriesExhausted is returned by [BackoffPolicy.Retry] when every attempt
// failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// BackoffPolicy describes an exponential backoff schedule for re-establishing
// a dropped connection. The zero value uses the defaults (10 attempts,
// 1s initial backoff doubling up to 30s).
type BackoffPolicy struct {
	// MaxRetries is the maximum number of attempts before giving up.
	MaxRetries int

	// Initial is the delay after the first failed attempt. Doubles each
	// attempt up to Max.
	Initial time.Duration

	// Max caps the delay between attempts.
	Max time.Duration
}

// Retry runs fn until it succeeds, ctx is cancelled, or the retry budget is
// exhausted. name labels the operation in log output. The wait between
// attempts doubles from Initial up to Max.
func (p BackoffPolicy) Retry(ctx context.Context, name string, fn func(context.Context) error) error {
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := p.Initial
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := p.Max
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				slog.Info("retry succeeded", "operation", name, "attempt", attempt)
			}
			return nil
		}

		slog.Warn("attempt failed",
			"operation", name,
			"attempt", attempt,
			"max_retries", maxRetries,
			"backoff", backoff,
			"error", lastErr,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return fmt.Errorf("%w: %s after %d attempts: %v", ErrRetriesExhausted, name, maxRetries, lastErr)
}
