package unifiedllm

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy configures retry behavior with exponential backoff.
type RetryPolicy struct {
	MaxRetries        int           // retry attempts after the initial call
	MaxUnknownRetries int           // retries allowed for ClassUnknown errors
	BaseDelay         time.Duration // delay before the first retry
	MaxDelay          time.Duration // cap on any single delay
	BackoffMultiplier float64       // exponential backoff factor
	Jitter            bool          // randomize delays by ±50%
	Deadline          time.Duration // total time budget including delays; 0 disables
	OnRetry           func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		MaxUnknownRetries: 1,
		BaseDelay:         time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		Deadline:          120 * time.Second,
	}
}

// Delay calculates the delay for attempt n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	delay := math.Min(float64(p.BaseDelay)*math.Pow(mult, float64(attempt)), float64(p.MaxDelay))
	if p.Jitter {
		delay *= 0.5 + rand.Float64() // [0.5, 1.5)
	}
	return time.Duration(delay)
}

// retryAfter returns the server-provided delay hint, if any.
func retryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter != nil {
		return time.Duration(*rl.RetryAfter * float64(time.Second)), true
	}
	return 0, false
}

// retryState tracks attempts across one logical call.
type retryState struct {
	policy  RetryPolicy
	start   time.Time
	retries int
	unknown int
}

func newRetryState(p RetryPolicy) *retryState {
	return &retryState{policy: p, start: time.Now()}
}

// next decides whether err may be retried and how long to wait first.
func (s *retryState) next(err error) (time.Duration, bool) {
	switch Classify(err) {
	case ClassPermanent:
		return 0, false
	case ClassUnknown:
		if s.unknown >= s.policy.MaxUnknownRetries {
			return 0, false
		}
	}
	if s.retries >= s.policy.MaxRetries {
		return 0, false
	}

	delay := s.policy.Delay(s.retries)
	if hint, ok := retryAfter(err); ok {
		if hint > s.policy.MaxDelay {
			return 0, false
		}
		delay = hint
	}
	if s.policy.Deadline > 0 && time.Since(s.start)+delay > s.policy.Deadline {
		return 0, false
	}

	if Classify(err) == ClassUnknown {
		s.unknown++
	}
	s.retries++
	return delay, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	abort := func() error {
		return &AbortError{SDKError: SDKError{Message: "request cancelled during retry", Cause: ctx.Err()}}
	}
	if d <= 0 {
		if ctx.Err() != nil {
			return abort()
		}
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return abort()
	case <-t.C:
		return nil
	}
}

// Retry executes fn with the configured retry policy. Permanent errors are
// returned immediately; unknown errors get at most MaxUnknownRetries retries.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	state := newRetryState(policy)
	for {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		delay, ok := state.next(err)
		if !ok {
			return zero, err
		}
		if policy.OnRetry != nil {
			policy.OnRetry(err, state.retries, delay)
		}
		if serr := sleepCtx(ctx, delay); serr != nil {
			return zero, serr
		}
	}
}
