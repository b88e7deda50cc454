package unifiedllm

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChain(models ...ModelConfig) (*FallbackChain, *time.Time) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewFallbackChain(models...)
	c.now = func() time.Time { return now }
	return c, &now
}

func model(id string, priority, maxRetries int) ModelConfig {
	m := NewModelConfig(id, "p")
	m.Priority = priority
	m.MaxRetries = maxRetries
	return m
}

func TestFallbackChainOrdersByPriority(t *testing.T) {
	c, _ := testChain(model("c", 2, 1), model("a", 0, 1), model("b", 1, 1), model("a2", 0, 1))
	assert.Equal(t, []string{"a", "a2", "b", "c"}, c.Models())

	m, ok := c.NextAvailable(0)
	require.True(t, ok)
	assert.Equal(t, "a", m.ID)
}

func TestFallbackChainSwitchesAfterMaxRetries(t *testing.T) {
	c, _ := testChain(model("primary", 0, 3), model("backup", 1, 3))

	for i := 0; i < 2; i++ {
		_, switched, ok := c.RecordFailure("primary", ReasonRateLimited)
		assert.False(t, switched)
		assert.True(t, ok)
	}
	next, switched, ok := c.RecordFailure("primary", ReasonRateLimited)
	require.True(t, ok)
	assert.True(t, switched)
	assert.Equal(t, "backup", next.ID)

	cur, _ := c.Current()
	assert.Equal(t, "backup", cur.ID)

	hist := c.History()
	require.Len(t, hist, 3)
	assert.Equal(t, "primary -> backup (rate_limited)", hist[2].String())
	assert.Equal(t, "primary failed (rate_limited)", hist[0].String())
}

func TestFallbackChainCooldownExpires(t *testing.T) {
	c, now := testChain(model("primary", 0, 1), model("backup", 1, 1))

	_, switched, _ := c.RecordFailure("primary", ReasonUnavailable)
	require.True(t, switched)

	m, _ := c.NextAvailable(0)
	assert.Equal(t, "backup", m.ID)

	*now = now.Add(61 * time.Second)
	m, _ = c.NextAvailable(0)
	assert.Equal(t, "primary", m.ID)
}

func TestFallbackChainRecordSuccessClearsStreak(t *testing.T) {
	c, _ := testChain(model("primary", 0, 2), model("backup", 1, 2))

	c.RecordFailure("primary", ReasonError)
	c.RecordSuccess("primary")
	_, switched, _ := c.RecordFailure("primary", ReasonError)
	assert.False(t, switched)

	stats := c.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, int64(3), stats[0].TotalRequests)
	assert.Equal(t, int64(1), stats[0].SuccessfulRequests)
	assert.InDelta(t, 1.0/3.0, stats[0].SuccessRate, 0.001)
	assert.Equal(t, 1.0, stats[1].SuccessRate)
}

func TestFallbackChainContextSize(t *testing.T) {
	small := model("small", 0, 1)
	small.MaxContext = 8_000
	big := model("big", 1, 1)
	big.MaxContext = 200_000
	c, _ := testChain(small, big)

	m, ok := c.NextAvailable(50_000)
	require.True(t, ok)
	assert.Equal(t, "big", m.ID)

	_, ok = c.NextAvailable(500_000)
	assert.False(t, ok)
}

func TestFallbackChainSwitchRespectsContextSize(t *testing.T) {
	primary := model("primary", 0, 1)
	primary.MaxContext = 200_000
	small := model("small", 1, 1)
	small.MaxContext = 8_000
	big := model("big", 2, 1)
	big.MaxContext = 200_000
	c, _ := testChain(primary, small, big)

	m, ok := c.NextAvailable(50_000)
	require.True(t, ok)
	assert.Equal(t, "primary", m.ID)

	next, switched, ok := c.RecordFailure("primary", ReasonRateLimited)
	require.True(t, ok)
	assert.True(t, switched)
	assert.Equal(t, "big", next.ID, "the switch skips a model too small for the request")

	c.ResetAll()
	_, _ = c.NextAvailable(50_000)
	_, ok = c.ForceFallback(ReasonManual)
	require.True(t, ok)
	cur, _ := c.Current()
	assert.Equal(t, "big", cur.ID)

	c.ResetAll()
	_, _ = c.NextAvailable(300_000)
	_, switched, ok = c.RecordFailure("primary", ReasonRateLimited)
	assert.False(t, switched)
	assert.False(t, ok)
}

func TestFallbackChainUnhealthyAndReset(t *testing.T) {
	c, _ := testChain(model("a", 0, 1), model("b", 1, 1))

	c.MarkUnhealthy("a")
	m, _ := c.NextAvailable(0)
	assert.Equal(t, "b", m.ID)

	c.ResetModel("a")
	m, _ = c.NextAvailable(0)
	assert.Equal(t, "a", m.ID)

	c.MarkUnhealthy("a")
	c.MarkUnhealthy("b")
	_, ok := c.NextAvailable(0)
	assert.False(t, ok)

	c.ResetAll()
	m, ok = c.NextAvailable(0)
	require.True(t, ok)
	assert.Equal(t, "a", m.ID)
}

func TestFallbackChainDisabledModelSkipped(t *testing.T) {
	a := model("a", 0, 1)
	a.Disabled = true
	c, _ := testChain(a, model("b", 1, 1))

	m, _ := c.NextAvailable(0)
	assert.Equal(t, "b", m.ID)
}

func TestFallbackChainForceFallback(t *testing.T) {
	c, _ := testChain(model("a", 0, 5), model("b", 1, 5))
	_, _ = c.NextAvailable(0)

	next, ok := c.ForceFallback(ReasonManual)
	require.True(t, ok)
	assert.Equal(t, "b", next.ID)

	_, ok = c.ForceFallback(ReasonManual)
	assert.False(t, ok)
}

func TestFallbackChainHistoryBounded(t *testing.T) {
	c, _ := testChain(model("a", 0, 1000))
	for i := 0; i < maxFallbackHistory+20; i++ {
		c.RecordFailure("a", ReasonError)
	}
	assert.Len(t, c.History(), maxFallbackHistory)
}

func TestReasonFromError(t *testing.T) {
	tests := []struct {
		err  error
		want FallbackReason
	}{
		{rateLimited(), ReasonRateLimited},
		{&RateLimitTimeoutError{Provider: "p"}, ReasonRateLimited},
		{&RequestTimeoutError{}, ReasonTimeout},
		{ErrorFromStatusCode(413, "too big", "p", "", nil), ReasonContextTooLong},
		{serverErr(503), ReasonUnavailable},
		{&NetworkError{}, ReasonUnavailable},
		{fmt.Errorf("wrapped: %w", serverErr(502)), ReasonUnavailable},
		{fmt.Errorf("other"), ReasonError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ReasonFromError(tt.err), "%v", tt.err)
	}
}
