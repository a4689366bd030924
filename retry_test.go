package replikv

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryer_SucceedsOnFirstAttempt(t *testing.T) {
	r := NewRetryer(RetryConfig{InitialBackoff: time.Millisecond})
	calls := 0
	result := r.Do(context.Background(), func() error {
		calls++
		return nil
	})
	if result.Attempts != 1 || result.LastErr != nil {
		t.Errorf("result = %+v, want 1 attempt, no error", result)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryer_RetriesUntilSuccess(t *testing.T) {
	r := NewRetryer(RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond})
	calls := 0
	result := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if result.LastErr != nil {
		t.Errorf("expected eventual success, got %v", result.LastErr)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryer_GivesUpAfterMaxAttempts(t *testing.T) {
	r := NewRetryer(RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond})
	calls := 0
	result := r.Do(context.Background(), func() error {
		calls++
		return errors.New("always fails")
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if result.LastErr == nil {
		t.Error("expected a final error after exhausting attempts")
	}
}

func TestRetryer_RetryIfStopsRetryNow(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		RetryIf:        func(error) bool { return false },
	})
	calls := 0
	result := r.Do(context.Background(), func() error {
		calls++
		return errors.New("not retryable")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (RetryIf should prevent retry)", calls)
	}
	if result.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", result.Attempts)
	}
}

func TestRetryer_DoWithResult(t *testing.T) {
	r := NewRetryer(RetryConfig{InitialBackoff: time.Millisecond})
	val, result := r.DoWithResult(context.Background(), func() (any, error) {
		return 42, nil
	})
	if result.LastErr != nil {
		t.Fatalf("unexpected error: %v", result.LastErr)
	}
	if val != 42 {
		t.Errorf("val = %v, want 42", val)
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil error should not be retryable")
	}
	if IsRetryable(context.Canceled) {
		t.Error("context.Canceled should not be retryable")
	}
	if !IsRetryable(errors.New("dial tcp: connection refused")) {
		t.Error("connection refused should be retryable")
	}
	if IsRetryable(errors.New("permission denied")) {
		t.Error("permission denied should not be retryable")
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	failing := func() error { return errors.New("fail") }

	cb.Execute(failing)
	cb.Execute(failing)
	if cb.State() != "open" {
		t.Fatalf("State() = %s, want open after 2 failures", cb.State())
	}

	err := cb.Execute(func() error { t.Fatal("op should not run while circuit is open"); return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_HalfOpensAfterResetTimeout(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.Execute(func() error { return errors.New("fail") })
	if cb.State() != "open" {
		t.Fatalf("State() = %s, want open", cb.State())
	}

	time.Sleep(20 * time.Millisecond)
	err := cb.Execute(func() error { return nil })
	if err != nil {
		t.Fatalf("expected half-open attempt to succeed, got %v", err)
	}
	if cb.State() != "closed" {
		t.Errorf("State() = %s, want closed after successful half-open probe", cb.State())
	}
}
