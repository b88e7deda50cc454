package unifiedllm

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/martinemde/sage/agenterr"
)

// ErrNoAvailableModel is returned when every model in a fallback chain is
// unhealthy, cooling down or too small for the request.
var ErrNoAvailableModel = &agenterr.Error{Kind: agenterr.KindProvider, Message: "no available model in fallback chain"}

// FallbackReason explains why the chain moved off a model.
type FallbackReason string

const (
	ReasonRateLimited    FallbackReason = "rate_limited"
	ReasonUnavailable    FallbackReason = "unavailable"
	ReasonTimeout        FallbackReason = "timeout"
	ReasonCostLimit      FallbackReason = "cost_limit"
	ReasonContextTooLong FallbackReason = "context_too_long"
	ReasonManual         FallbackReason = "manual"
	ReasonError          FallbackReason = "error"
)

// ReasonFromError maps a provider failure to a fallback reason.
func ReasonFromError(err error) FallbackReason {
	var (
		rl   *RateLimitError
		to   *RequestTimeoutError
		cl   *ContextLengthError
		srv  *ServerError
		net  *NetworkError
		rlto *RateLimitTimeoutError
	)
	switch {
	case errors.As(err, &rl), errors.As(err, &rlto):
		return ReasonRateLimited
	case errors.As(err, &to):
		return ReasonTimeout
	case errors.As(err, &cl):
		return ReasonContextTooLong
	case errors.As(err, &srv), errors.As(err, &net):
		return ReasonUnavailable
	}
	return ReasonError
}

// ModelConfig describes one entry in a fallback chain. Lower Priority values
// are preferred.
type ModelConfig struct {
	ID         string        `yaml:"id" validate:"required"`
	Provider   string        `yaml:"provider" validate:"required"`
	Priority   int           `yaml:"priority"`
	MaxContext int           `yaml:"max_context" validate:"gte=0"`
	Cooldown   time.Duration `yaml:"cooldown"`
	MaxRetries int           `yaml:"max_retries" validate:"gte=0"`
	Disabled   bool          `yaml:"disabled"`
}

// NewModelConfig returns a config with default limits.
func NewModelConfig(id, provider string) ModelConfig {
	return ModelConfig{
		ID:         id,
		Provider:   provider,
		MaxContext: 128_000,
		Cooldown:   60 * time.Second,
		MaxRetries: 2,
	}
}

// FallbackEvent records a failure or switch.
type FallbackEvent struct {
	From      string         `json:"from"`
	To        string         `json:"to,omitempty"`
	Reason    FallbackReason `json:"reason"`
	Timestamp time.Time      `json:"timestamp"`
}

// ModelStats is a point-in-time view of one model's health.
type ModelStats struct {
	ID                 string  `json:"id"`
	Provider           string  `json:"provider"`
	Available          bool    `json:"available"`
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	SuccessRate        float64 `json:"success_rate"`
	FailureCount       int     `json:"failure_count"`
}

type modelState struct {
	cfg          ModelConfig
	healthy      bool
	lastFailure  time.Time
	failureCount int
	total        int64
	successful   int64
}

// cooling reports whether the model tripped and its cooldown is still running.
func (m *modelState) cooling(now time.Time) bool {
	return m.failureCount >= max(m.cfg.MaxRetries, 1) && now.Sub(m.lastFailure) <= m.cfg.Cooldown
}

func (m *modelState) available(now time.Time) bool {
	return m.healthy && !m.cfg.Disabled && !m.cooling(now)
}

// fits reports whether a request of size tokens fits the model. Zero on
// either side skips the check.
func (m *modelState) fits(size int) bool {
	return size <= 0 || m.cfg.MaxContext <= 0 || size <= m.cfg.MaxContext
}

const maxFallbackHistory = 100

// FallbackChain selects among prioritized models and moves to the next one
// when the current model keeps failing.
type FallbackChain struct {
	mu      sync.RWMutex
	models  []*modelState
	current int
	history []FallbackEvent
	now     func() time.Time

	// lastSize is the context size of the latest NextAvailable call; a
	// switch after a failure must fit it too.
	lastSize int
}

// NewFallbackChain creates a chain from models in any order.
func NewFallbackChain(models ...ModelConfig) *FallbackChain {
	c := &FallbackChain{now: time.Now}
	for _, m := range models {
		c.AddModel(m)
	}
	return c
}

// AddModel inserts a model after any existing models of equal priority.
func (c *FallbackChain) AddModel(cfg ModelConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos := sort.Search(len(c.models), func(i int) bool {
		return c.models[i].cfg.Priority > cfg.Priority
	})
	c.models = append(c.models, nil)
	copy(c.models[pos+1:], c.models[pos:])
	c.models[pos] = &modelState{cfg: cfg, healthy: true}
}

// Len returns the number of models.
func (c *FallbackChain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.models)
}

// Models lists model IDs in priority order.
func (c *FallbackChain) Models() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, len(c.models))
	for i, m := range c.models {
		ids[i] = m.cfg.ID
	}
	return ids
}

// Current returns the model currently selected.
func (c *FallbackChain) Current() (ModelConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current >= len(c.models) {
		return ModelConfig{}, false
	}
	return c.models[c.current].cfg, true
}

// NextAvailable selects the highest-priority model that is healthy, not
// cooling down, and whose context fits contextSize (0 disables the check).
// The size is remembered for the switches RecordFailure and ForceFallback
// make afterwards.
func (c *FallbackChain) NextAvailable(contextSize int) (ModelConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSize = contextSize
	return c.nextAvailableLocked(contextSize)
}

func (c *FallbackChain) nextAvailableLocked(contextSize int) (ModelConfig, bool) {
	now := c.now()
	for i, m := range c.models {
		if !m.available(now) || !m.fits(contextSize) {
			continue
		}
		c.current = i
		return m.cfg, true
	}
	return ModelConfig{}, false
}

// RecordSuccess clears a model's failure streak.
func (c *FallbackChain) RecordSuccess(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m := c.find(id); m != nil {
		m.failureCount = 0
		m.total++
		m.successful++
	}
}

// RecordFailure counts a failure. Once the model has failed MaxRetries times
// it cools down and the chain switches; the new model is returned with
// switched=true. ok is false when a switch was due but nothing is available.
func (c *FallbackChain) RecordFailure(id string, reason FallbackReason) (next ModelConfig, switched, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.find(id)
	if m == nil {
		return ModelConfig{}, false, false
	}
	m.failureCount++
	m.total++
	m.lastFailure = c.now()

	if m.failureCount < max(m.cfg.MaxRetries, 1) {
		c.addHistory(FallbackEvent{From: id, Reason: reason, Timestamp: m.lastFailure})
		return m.cfg, false, true
	}
	next, ok = c.nextAvailableLocked(c.lastSize)
	ev := FallbackEvent{From: id, Reason: reason, Timestamp: m.lastFailure}
	if ok {
		ev.To = next.ID
	}
	c.addHistory(ev)
	return next, ok, ok
}

// ForceFallback moves to the next available model after the current one.
func (c *FallbackChain) ForceFallback(reason FallbackReason) (ModelConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current >= len(c.models) {
		return ModelConfig{}, false
	}
	from := c.models[c.current].cfg.ID
	now := c.now()
	for i := c.current + 1; i < len(c.models); i++ {
		if c.models[i].available(now) && c.models[i].fits(c.lastSize) {
			c.current = i
			c.addHistory(FallbackEvent{From: from, To: c.models[i].cfg.ID, Reason: reason, Timestamp: now})
			return c.models[i].cfg, true
		}
	}
	return ModelConfig{}, false
}

// MarkUnhealthy removes a model from rotation until it is reset.
func (c *FallbackChain) MarkUnhealthy(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m := c.find(id); m != nil {
		m.healthy = false
	}
}

// ResetModel clears failure state for one model.
func (c *FallbackChain) ResetModel(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m := c.find(id); m != nil {
		m.failureCount = 0
		m.lastFailure = time.Time{}
		m.healthy = true
	}
}

// ResetAll clears failure state and reselects the first model.
func (c *FallbackChain) ResetAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.models {
		m.failureCount = 0
		m.lastFailure = time.Time{}
		m.healthy = true
	}
	c.current = 0
}

// Stats returns per-model statistics in priority order.
func (c *FallbackChain) Stats() []ModelStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	stats := make([]ModelStats, len(c.models))
	for i, m := range c.models {
		rate := 1.0
		if m.total > 0 {
			rate = float64(m.successful) / float64(m.total)
		}
		stats[i] = ModelStats{
			ID:                 m.cfg.ID,
			Provider:           m.cfg.Provider,
			Available:          m.available(now),
			TotalRequests:      m.total,
			SuccessfulRequests: m.successful,
			SuccessRate:        rate,
			FailureCount:       m.failureCount,
		}
	}
	return stats
}

// History returns recorded events, oldest first.
func (c *FallbackChain) History() []FallbackEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]FallbackEvent(nil), c.history...)
}

func (c *FallbackChain) find(id string) *modelState {
	for _, m := range c.models {
		if m.cfg.ID == id {
			return m
		}
	}
	return nil
}

func (c *FallbackChain) addHistory(ev FallbackEvent) {
	c.history = append(c.history, ev)
	if over := len(c.history) - maxFallbackHistory; over > 0 {
		c.history = append(c.history[:0:0], c.history[over:]...)
	}
}

func (e FallbackEvent) String() string {
	if e.To == "" {
		return fmt.Sprintf("%s failed (%s)", e.From, e.Reason)
	}
	return fmt.Sprintf("%s -> %s (%s)", e.From, e.To, e.Reason)
}
