package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/harvestly/ingest-backend/internal/platform/faults"
)

func fastPolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		JitterFrac:  0,
		Retryable:   faults.Retryable,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return faults.Network(errors.New("reset"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls: want=3 got=%d", calls)
	}
}

func TestDoExhaustionAnnotatesAttempts(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return faults.Timeout(nil)
	})
	if err == nil {
		t.Fatalf("expected error on exhaustion")
	}
	if calls != 3 {
		t.Fatalf("calls: want=3 got=%d", calls)
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Fatalf("error should carry attempt count, got %q", err)
	}
	if !errors.Is(err, faults.ErrTimeout) {
		t.Fatalf("last error should remain matchable, got %v", err)
	}
}

func TestDoFatalShortCircuits(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return faults.Validationf("bad input")
	})
	if calls != 1 {
		t.Fatalf("fatal error must not be retried, calls=%d", calls)
	}
	if !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := Policy{
		MaxAttempts: 10,
		BaseDelay:   time.Hour, // the ctx cancel must win over this sleep
		JitterFrac:  0,
		Retryable:   faults.Retryable,
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		return faults.Network(errors.New("reset"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls: want=1 got=%d", calls)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := Policy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    400 * time.Millisecond,
		Multiplier:  2,
		JitterFrac:  0,
	}
	if d := p.Backoff(1); d != 100*time.Millisecond {
		t.Fatalf("attempt 1: want=100ms got=%v", d)
	}
	if d := p.Backoff(2); d != 200*time.Millisecond {
		t.Fatalf("attempt 2: want=200ms got=%v", d)
	}
	if d := p.Backoff(4); d != 400*time.Millisecond {
		t.Fatalf("attempt 4 should cap at 400ms, got %v", d)
	}
}

func TestBackoffJitterNeverExceedsMaxDelay(t *testing.T) {
	p := Policy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    400 * time.Millisecond,
		Multiplier:  2,
		JitterFrac:  0.5,
	}
	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 100; i++ {
			if d := p.Backoff(attempt); d > p.MaxDelay {
				t.Fatalf("attempt %d: delay %v exceeds cap %v", attempt, d, p.MaxDelay)
			}
		}
	}
}
