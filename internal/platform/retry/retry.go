package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy wraps an operation with bounded attempts and exponential backoff.
// Fatal errors (per Retryable) short-circuit without consuming attempts.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration // default 1s
	MaxDelay    time.Duration // default 30s
	Multiplier  float64       // default 2.0
	JitterFrac  float64       // default 0.20
	Retryable   func(err error) bool
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2.0
	}
	if p.JitterFrac < 0 {
		p.JitterFrac = 0.20
	}
	return p
}

// Backoff returns the delay before the given attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	if p.JitterFrac == 0 {
		return d
	}
	delta := float64(d) * p.JitterFrac
	low := float64(d) - delta
	if low < 0 {
		low = 0
	}
	jittered := time.Duration(low + rand.Float64()*2*delta)
	// Jitter never pushes the delay past the configured cap.
	if jittered > p.MaxDelay {
		jittered = p.MaxDelay
	}
	return jittered
}

// Do runs op until success, a fatal error, context cancellation, or attempt
// exhaustion. The surfaced error is annotated with the attempt count.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	p = p.withDefaults()
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}
		if err := sleep(ctx, p.Backoff(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("after %d attempts: %w", p.MaxAttempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
