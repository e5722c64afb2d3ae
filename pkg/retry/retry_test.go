package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithMaxAttempts(5), WithDelays(time.Millisecond, time.Millisecond))

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	boom := errors.New("boom")
	attempts := 0
	err := Do(context.Background(), func(context.Context) error {
		attempts++
		return boom
	}, WithMaxAttempts(3), WithDelays(time.Millisecond, time.Millisecond))

	if !errors.Is(err, boom) {
		t.Fatalf("Do() error = %v, want wrapped %v", err, boom)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoRespectsRetryIf(t *testing.T) {
	fatal := errors.New("fatal")
	attempts := 0
	err := Do(context.Background(), func(context.Context) error {
		attempts++
		return fatal
	}, WithMaxAttempts(5), WithRetryIf(func(err error) bool { return !errors.Is(err, fatal) }))

	if !errors.Is(err, fatal) {
		t.Fatalf("Do() error = %v, want %v", err, fatal)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, func(context.Context) error { return nil })
	if err == nil {
		t.Error("Do() ran despite canceled context")
	}
}
