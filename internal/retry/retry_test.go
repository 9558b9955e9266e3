package retry

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"
)

func fastPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		MinDelay:    time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Rand:        rand.New(rand.NewSource(1)),
	}
}

func TestSucceedsAfterTwoFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	var failures []int
	err := Do(context.Background(), fastPolicy(), func(context.Context) error {
		calls++
		if calls <= 2 {
			return errors.New("transient")
		}
		return nil
	}, func(attempt int, err error) {
		failures = append(failures, attempt)
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if len(failures) != 2 {
		t.Fatalf("observed %d failure callbacks, want exactly 2", len(failures))
	}
}

func TestExhaustionReturnsLastError(t *testing.T) {
	t.Parallel()

	last := errors.New("still broken")
	calls := 0
	err := Do(context.Background(), fastPolicy(), func(context.Context) error {
		calls++
		return last
	}, nil)
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if !errors.Is(err, last) {
		t.Fatalf("error %v does not wrap the last failure", err)
	}
	if calls != 5 {
		t.Fatalf("calls = %d, want 5", calls)
	}
}

func TestContextCancelAbortsBackoffWait(t *testing.T) {
	t.Parallel()

	p := Policy{
		MaxAttempts: 3,
		MinDelay:    time.Hour,
		MaxDelay:    time.Hour,
		Rand:        rand.New(rand.NewSource(1)),
	}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, p, func(context.Context) error {
			return errors.New("fail")
		}, nil)
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDelayWithinBounds(t *testing.T) {
	t.Parallel()

	p := Policy{
		MaxAttempts: 3,
		MinDelay:    10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		Rand:        rand.New(rand.NewSource(42)),
	}.withDefaults()

	for i := 0; i < 1000; i++ {
		d := p.delay()
		if d < p.MinDelay || d > p.MaxDelay {
			t.Fatalf("delay %v outside [%v, %v]", d, p.MinDelay, p.MaxDelay)
		}
	}
}
