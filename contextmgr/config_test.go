package contextmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThresholdSaturatesAtZero(t *testing.T) {
	cfg := Config{MaxContextTokens: 1000, ReservedForResponse: 2000}
	assert.Equal(t, 0, cfg.ThresholdTokens())

	cfg.ReservedForResponse = 1000
	assert.Equal(t, 0, cfg.ThresholdTokens())
}

func TestDefaultThreshold(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 128_000-13_000, cfg.ThresholdTokens())
	assert.Equal(t, 64_000, cfg.TargetTokens())
}

func TestThresholdOverrideClamped(t *testing.T) {
	cfg := DefaultConfig()

	low := 0.01
	cfg.ThresholdOverride = &low
	assert.Equal(t, 12_800, cfg.ThresholdTokens())

	high := 3.0
	cfg.ThresholdOverride = &high
	assert.Equal(t, 128_000, cfg.ThresholdTokens())

	mid := 0.75
	cfg.ThresholdOverride = &mid
	assert.Equal(t, 96_000, cfg.ThresholdTokens())
}

func TestWithEnvOverride(t *testing.T) {
	t.Setenv(PctOverrideEnv, "0.05")
	cfg := DefaultConfig().WithEnvOverride()
	if assert.NotNil(t, cfg.ThresholdOverride) {
		assert.InDelta(t, 0.05, *cfg.ThresholdOverride, 1e-9)
	}
	assert.Equal(t, 12_800, cfg.ThresholdTokens())
}

func TestWithEnvOverrideIgnoresGarbage(t *testing.T) {
	t.Setenv(PctOverrideEnv, "lots")
	cfg := DefaultConfig().WithEnvOverride()
	assert.Nil(t, cfg.ThresholdOverride)
	assert.Equal(t, 115_000, cfg.ThresholdTokens())
}

func TestForProvider(t *testing.T) {
	tests := []struct {
		provider, model string
		max, reserved   int
		cpt             float64
	}{
		{"anthropic", "", 200_000, 13_000, 3.5},
		{"", "sonnet", 200_000, 13_000, 3.5},
		{"openai", "gpt-4o-mini", 128_000, 10_000, 4.0},
		{"openai", "gpt-4-turbo", 128_000, 10_000, 4.0},
		{"openai", "gpt-4", 8_192, 2_000, 4.0},
		{"openai", "gpt-3.5-turbo", 16_385, 4_000, 4.0},
		{"google", "gemini-2.5-pro", 1_000_000, 20_000, 4.0},
		{"", "unknown-model", 128_000, 13_000, 4.0},
	}
	for _, tt := range tests {
		t.Run(tt.provider+"/"+tt.model, func(t *testing.T) {
			cfg := ForProvider(tt.provider, tt.model)
			assert.Equal(t, tt.max, cfg.MaxContextTokens)
			assert.Equal(t, tt.reserved, cfg.ReservedForResponse)
			assert.InDelta(t, tt.cpt, cfg.CharsPerToken, 1e-9)
		})
	}
}
