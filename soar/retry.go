package soar

import (
	"context"
	"math/rand"
	"time"
)

// maxBackoff caps the exponential backoff between action retries.
const maxBackoff = 30 * time.Second

// backoffJitter is the +/- fraction applied to each delay to avoid
// synchronized retry storms.
const backoffJitter = 0.1

// retryWithBackoff runs fn up to retryCount+1 times. Delays start at
// base, double per attempt, and are capped at maxBackoff with jitter.
// It returns the attempt count and the last error (nil on success).
// Context cancellation aborts between attempts.
func retryWithBackoff(ctx context.Context, retryCount int, base time.Duration, fn func() error) (int, error) {
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt, lastErr
			}
			return attempt, err
		}

		lastErr = fn()
		if lastErr == nil {
			return attempt + 1, nil
		}
		if attempt >= retryCount {
			return attempt + 1, lastErr
		}

		delay := base << uint(attempt)
		if delay > maxBackoff || delay <= 0 {
			delay = maxBackoff
		}
		delay += time.Duration((rand.Float64()*2 - 1) * backoffJitter * float64(delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return attempt + 1, lastErr
		}
	}
}
