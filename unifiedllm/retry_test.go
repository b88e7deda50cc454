package unifiedllm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func serverErr(status int) error {
	return &ServerError{ProviderError: ProviderError{SDKError: SDKError{Message: "server error"}, StatusCode: status}}
}

func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:        maxRetries,
		MaxUnknownRetries: 1,
		BaseDelay:         time.Millisecond,
		BackoffMultiplier: 1,
		MaxDelay:          time.Millisecond,
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:         time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          60 * time.Second,
	}

	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for i, expected := range delays {
		if got := policy.Delay(i); got != expected {
			t.Errorf("attempt %d: expected %v, got %v", i, expected, got)
		}
	}
}

func TestRetryPolicyDelayWithMaxCap(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:         time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          5 * time.Second,
	}
	// Attempt 10 would be 1024s without cap.
	if got := policy.Delay(10); got != 5*time.Second {
		t.Errorf("expected 5s (capped), got %v", got)
	}
}

func TestRetryPolicyDelayWithJitter(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:         time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          60 * time.Second,
		Jitter:            true,
	}
	for i := 0; i < 100; i++ {
		got := policy.Delay(0)
		if got < 500*time.Millisecond || got > 1500*time.Millisecond {
			t.Errorf("jittered delay out of range: %v", got)
		}
	}
}

func TestRetrySuccess(t *testing.T) {
	callCount := 0
	result, err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		callCount++
		if callCount < 3 {
			return "", serverErr(503)
		}
		return "success", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "success" {
		t.Errorf("expected %q, got %q", "success", result)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestRetryPermanentError(t *testing.T) {
	callCount := 0
	_, err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		callCount++
		return "", &AuthenticationError{ProviderError: ProviderError{SDKError: SDKError{Message: "invalid key"}}}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if callCount != 1 {
		t.Errorf("expected 1 call (no retries for permanent errors), got %d", callCount)
	}
}

func TestRetryExhausted(t *testing.T) {
	callCount := 0
	_, err := Retry(context.Background(), fastPolicy(2), func(ctx context.Context) (string, error) {
		callCount++
		return "", serverErr(502)
	})
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if callCount != 3 { // 1 initial + 2 retries
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestRetryUnknownErrorRetriedOnce(t *testing.T) {
	callCount := 0
	_, err := Retry(context.Background(), fastPolicy(5), func(ctx context.Context) (string, error) {
		callCount++
		return "", errors.New("something odd happened")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if callCount != 2 {
		t.Errorf("expected 2 calls for an unknown error, got %d", callCount)
	}
}

func TestRetryDeadline(t *testing.T) {
	policy := fastPolicy(10)
	policy.BaseDelay = 50 * time.Millisecond
	policy.MaxDelay = 50 * time.Millisecond
	policy.Deadline = 120 * time.Millisecond

	callCount := 0
	start := time.Now()
	_, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		callCount++
		return "", serverErr(503)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if callCount >= 10 {
		t.Errorf("deadline should stop retries early, got %d calls", callCount)
	}
	if time.Since(start) > time.Second {
		t.Errorf("retry ran past its deadline: %v", time.Since(start))
	}
}

func TestRetryHonorsRetryAfter(t *testing.T) {
	policy := fastPolicy(1)
	policy.MaxDelay = time.Second
	after := 0.05

	callCount := 0
	start := time.Now()
	_, _ = Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		callCount++
		if callCount == 1 {
			return "", &RateLimitError{ProviderError: ProviderError{SDKError: SDKError{Message: "slow down"}, StatusCode: 429, RetryAfter: &after}}
		}
		return "ok", nil
	})
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("expected to wait for Retry-After, waited %v", elapsed)
	}
}

func TestRetryCancelled(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 5, MaxUnknownRetries: 5, BaseDelay: time.Second, BackoffMultiplier: 1, MaxDelay: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	callCount := 0
	_, err := Retry(ctx, policy, func(ctx context.Context) (string, error) {
		callCount++
		return "", serverErr(503)
	})
	var abort *AbortError
	if !errors.As(err, &abort) {
		t.Fatalf("expected AbortError, got %T: %v", err, err)
	}
	if callCount > 2 {
		t.Errorf("expected fewer calls due to cancellation, got %d", callCount)
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.MaxRetries != 3 {
		t.Errorf("expected MaxRetries 3, got %d", p.MaxRetries)
	}
	if p.BaseDelay != time.Second || p.MaxDelay != 60*time.Second {
		t.Errorf("unexpected delays: base=%v max=%v", p.BaseDelay, p.MaxDelay)
	}
	if p.BackoffMultiplier != 2.0 || !p.Jitter {
		t.Errorf("unexpected backoff: mult=%v jitter=%v", p.BackoffMultiplier, p.Jitter)
	}
	if p.Deadline != 120*time.Second {
		t.Errorf("expected 120s deadline, got %v", p.Deadline)
	}
	if p.MaxUnknownRetries != 1 {
		t.Errorf("expected one unknown retry, got %d", p.MaxUnknownRetries)
	}
}
