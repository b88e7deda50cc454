package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/martinemde/sage/agenterr"
)

// ErrRateLimitTimeout is matched by errors returned when a caller waited
// longer than MaxWait for a rate-limit permit.
var ErrRateLimitTimeout = errors.New("rate limit wait exceeded")

// RateLimitTimeoutError reports how long a caller waited before giving up.
type RateLimitTimeoutError struct {
	Provider string
	Waited   time.Duration
	MaxWait  time.Duration
}

func (e *RateLimitTimeoutError) Error() string {
	return fmt.Sprintf("rate limit: %s waited %s (max %s)", e.Provider, e.Waited.Round(time.Millisecond), e.MaxWait)
}

func (e *RateLimitTimeoutError) Is(target error) bool { return target == ErrRateLimitTimeout }

// ErrorKind implements agenterr.Kinded.
func (e *RateLimitTimeoutError) ErrorKind() agenterr.Kind { return agenterr.KindTimeout }

// RateLimitConfig bounds request rate and concurrency for one provider.
type RateLimitConfig struct {
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=0"`
	MaxConcurrent     int           `yaml:"max_concurrent" validate:"gte=0"`
	MaxWait           time.Duration `yaml:"max_wait"`
}

// DefaultRateLimitConfig returns the general-purpose limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 10, Burst: 20, MaxConcurrent: 5, MaxWait: 30 * time.Second}
}

// RateLimitPreset returns tuned limits for a provider. Unknown names get
// the defaults; "conservative" is a low-throughput profile.
func RateLimitPreset(name string) RateLimitConfig {
	switch name {
	case "anthropic":
		return RateLimitConfig{RequestsPerSecond: 50, Burst: 100, MaxConcurrent: 10, MaxWait: 60 * time.Second}
	case "openai":
		return RateLimitConfig{RequestsPerSecond: 60, Burst: 60, MaxConcurrent: 10, MaxWait: 60 * time.Second}
	case "conservative":
		return RateLimitConfig{RequestsPerSecond: 1, Burst: 5, MaxConcurrent: 2, MaxWait: 120 * time.Second}
	}
	return DefaultRateLimitConfig()
}

// RateLimiter combines a token bucket with a concurrency semaphore.
type RateLimiter struct {
	name    string
	cfg     RateLimitConfig
	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

// NewRateLimiter creates a limiter. Zero rate or concurrency means unlimited
// on that axis.
func NewRateLimiter(name string, cfg RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{name: name, cfg: cfg}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		rl.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	if cfg.MaxConcurrent > 0 {
		rl.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return rl
}

// Config returns the limiter configuration.
func (r *RateLimiter) Config() RateLimitConfig { return r.cfg }

// Acquire blocks until a token and a concurrency slot are available. The
// returned release func must be called when the request finishes.
func (r *RateLimiter) Acquire(ctx context.Context) (func(), error) {
	start := time.Now()
	waitCtx := ctx
	if r.cfg.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.cfg.MaxWait)
		defer cancel()
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(waitCtx); err != nil {
			return nil, r.waitError(ctx, start)
		}
	}
	if r.sem != nil {
		if err := r.sem.Acquire(waitCtx, 1); err != nil {
			return nil, r.waitError(ctx, start)
		}
		return func() { r.sem.Release(1) }, nil
	}
	return func() {}, nil
}

// TryAcquire takes a permit only if one is immediately available.
func (r *RateLimiter) TryAcquire() (func(), bool) {
	if r.sem != nil && !r.sem.TryAcquire(1) {
		return nil, false
	}
	if r.limiter != nil && !r.limiter.Allow() {
		if r.sem != nil {
			r.sem.Release(1)
		}
		return nil, false
	}
	if r.sem != nil {
		return func() { r.sem.Release(1) }, true
	}
	return func() {}, true
}

// Available reports the whole tokens currently in the bucket, or -1 when
// the rate is unlimited.
func (r *RateLimiter) Available() int {
	if r.limiter == nil {
		return -1
	}
	return int(r.limiter.Tokens())
}

func (r *RateLimiter) waitError(ctx context.Context, start time.Time) error {
	if ctx.Err() != nil {
		return &AbortError{SDKError: SDKError{Message: "cancelled waiting for rate limit", Cause: ctx.Err()}}
	}
	return &RateLimitTimeoutError{Provider: r.name, Waited: time.Since(start), MaxWait: r.cfg.MaxWait}
}
