package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPolicy_DelayGrowsExponentiallyAndCaps(t *testing.T) {
	p := Policy{BaseDelay: 1 * time.Second, MaxDelay: 30 * time.Second}.withDefaults()

	d0 := p.delay(0)
	if d0 < 500*time.Millisecond || d0 > 2*time.Second {
		t.Fatalf("attempt 0 delay out of range: %v", d0)
	}
	d1 := p.delay(1)
	if d1 < 1*time.Second || d1 > 4*time.Second {
		t.Fatalf("attempt 1 delay out of range: %v", d1)
	}
	d10 := p.delay(10)
	if d10 > 45*time.Second {
		t.Fatalf("attempt 10 delay should be capped, got %v", d10)
	}
}

func TestDo_SucceedsWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	err := Do(context.Background(), Policy{MaxAttempts: 3}, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", calls.Load())
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	err := Do(context.Background(), Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 5}, func(ctx context.Context) error {
		n := calls.Add(1)
		if n < 3 {
			return errors.New("transient failure")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	err := Do(context.Background(), Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 3}, func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("always fails")
	})
	var exhausted *ErrExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected *ErrExhausted, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestDo_PermanentErrorStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	err := Do(context.Background(), Policy{BaseDelay: time.Millisecond, MaxAttempts: 5}, func(ctx context.Context) error {
		calls.Add(1)
		return Permanent(errors.New("not retryable"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call before giving up, got %d", calls.Load())
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, Policy{BaseDelay: time.Second, MaxAttempts: 5}, func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
