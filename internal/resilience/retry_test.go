package resilience

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func TestWithRetry_Success(t *testing.T) {
	policy := &RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   100 * time.Millisecond,
		Multiplier: 2.0,
	}

	called := 0
	err := WithRetry(context.Background(), policy, func() error {
		called++
		return nil
	})

	if err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if called != 1 {
		t.Errorf("expected 1 call, got %d", called)
	}
}

func TestWithRetry_SuccessAfterRetries(t *testing.T) {
	policy := &RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   100 * time.Millisecond,
		Multiplier: 2.0,
		Logger:     slog.Default(),
	}

	called := 0
	failUntil := 2

	err := WithRetry(context.Background(), policy, func() error {
		called++
		if called < failUntil {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if called != failUntil {
		t.Errorf("expected %d calls, got %d", failUntil, called)
	}
}

func TestWithRetry_AllRetriesFailed(t *testing.T) {
	policy := &RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  5 * time.Millisecond,
		MaxDelay:   20 * time.Millisecond,
		Multiplier: 2.0,
	}

	called := 0
	permanent := errors.New("permanent error")

	err := WithRetry(context.Background(), policy, func() error {
		called++
		return permanent
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if called != policy.MaxRetries+1 {
		t.Errorf("expected %d calls, got %d", policy.MaxRetries+1, called)
	}
}

func TestWithRetry_NonRetryableStopsImmediately(t *testing.T) {
	sentinel := errors.New("do not retry me")
	policy := &RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  5 * time.Millisecond,
		MaxDelay:   20 * time.Millisecond,
		Multiplier: 2.0,
		ErrorChecker: errorCheckerFunc(func(err error) bool {
			return !errors.Is(err, sentinel)
		}),
	}

	called := 0
	err := WithRetry(context.Background(), policy, func() error {
		called++
		return sentinel
	})

	if !errors.Is(err, sentinel) {
		t.Errorf("expected sentinel error, got %v", err)
	}
	if called != 1 {
		t.Errorf("expected 1 call for a non-retryable error, got %d", called)
	}
}

func TestWithRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := &RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  50 * time.Millisecond,
		MaxDelay:   1 * time.Second,
		Multiplier: 2.0,
	}

	called := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := WithRetry(ctx, policy, func() error {
		called++
		return errors.New("keeps failing")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestWithRetryFunc_ReturnsResult(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.BaseDelay = 5 * time.Millisecond

	called := 0
	result, err := WithRetryFunc(context.Background(), policy, func() (int, error) {
		called++
		if called < 2 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})

	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result != 42 {
		t.Errorf("expected 42, got %d", result)
	}
}

type errorCheckerFunc func(err error) bool

func (f errorCheckerFunc) IsRetryable(err error) bool { return f(err) }
