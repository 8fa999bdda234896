package retry

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Policy bounds retry behavior for one category of operation.
type Policy struct {
	// MaxRetries is the number of retry attempts after the initial failure.
	MaxRetries int

	// BaseDelay is the backoff before the first retry; each subsequent
	// retry doubles it.
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Jitter adds up to 25% random extra delay to spread retries.
	Jitter bool
}

// DefaultPolicy returns the backoff defaults used for LLM calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   8 * time.Second,
		Jitter:     true,
	}
}

// Delay returns the backoff before retry attempt n (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay << (attempt - 1)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	if p.Jitter {
		d += time.Duration(rand.Int64N(int64(d)/4 + 1))
	}
	return d
}

// Execute runs op, retrying classifier-marked transient failures with
// exponential backoff. It returns the result, the number of attempts made,
// and the final error (nil on success).
//
// The abort signal (ctx) is checked between attempts: a cancelled context
// returns the last error immediately without further sleep.
func Execute[T any](ctx context.Context, p Policy, label string, op func(context.Context) (T, error)) (T, int, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= p.MaxRetries+1; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		c := Classify(err)
		if !c.Retryable || attempt > p.MaxRetries {
			return zero, attempt, err
		}

		delay := p.Delay(attempt)
		slog.Warn("Transient failure, backing off",
			"op", label, "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return zero, attempt, lastErr
		case <-time.After(delay):
		}
	}
	return zero, p.MaxRetries + 1, lastErr
}
