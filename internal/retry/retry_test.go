package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	var delays []time.Duration
	p := Policy{
		Retries: 2,
		Backoff: Linear(time.Millisecond),
		OnRetry: func(_ int, _ error, d time.Duration) { delays = append(delays, d) },
	}

	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(delays) != 2 || delays[0] != time.Millisecond || delays[1] != 2*time.Millisecond {
		t.Errorf("delays = %v, want [1ms 2ms]", delays)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	sentinel := errors.New("down")
	p := Policy{Retries: 2}

	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Do() error = %v, want wrapped sentinel", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	p := Policy{Retries: 5}
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errors.New("bad request"))
	})
	if err == nil || !IsPermanent(err) {
		t.Fatalf("Do() error = %v, want permanent", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRespectsRetryable(t *testing.T) {
	calls := 0
	p := Policy{Retries: 3, Retryable: func(error) bool { return false }}
	_ = p.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("nope")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{
		Retries: 3,
		Backoff: Constant(time.Hour),
		OnRetry: func(int, error, time.Duration) { cancel() },
	}
	err := p.Do(ctx, func(context.Context) error { return errors.New("fail") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
}
