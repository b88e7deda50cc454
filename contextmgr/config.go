package contextmgr

import (
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/martinemde/sage/unifiedllm"
)

const (
	// DefaultReservedForResponse is held back from the context window for
	// the model's reply.
	DefaultReservedForResponse = 13_000
	// DefaultMaxContextTokens applies when the model is unknown.
	DefaultMaxContextTokens = 128_000
	// PctOverrideEnv names the environment variable that replaces the
	// threshold with a fraction of the context window.
	PctOverrideEnv = "SAGE_AUTOCOMPACT_PCT_OVERRIDE"
)

// Config controls token accounting and auto-compaction.
type Config struct {
	Enabled                bool    `yaml:"enabled"`
	MaxContextTokens       int     `yaml:"max_context_tokens" validate:"gte=0"`
	ReservedForResponse    int     `yaml:"reserved_for_response" validate:"gte=0"`
	PreserveRecentCount    int     `yaml:"preserve_recent_count" validate:"gte=0"`
	MinMessagesToKeep      int     `yaml:"min_messages_to_keep" validate:"gte=0"`
	PreserveSystemMessages bool    `yaml:"preserve_system_messages"`
	TargetAfterCompact     float64 `yaml:"target_after_compact" validate:"gte=0,lte=1"`
	CharsPerToken          float64 `yaml:"chars_per_token" validate:"gte=0"`

	// ThresholdOverride replaces max - reserved with a fraction of
	// MaxContextTokens. It is clamped to [0.1, 1.0].
	ThresholdOverride *float64 `yaml:"threshold_override,omitempty"`
}

// DefaultConfig returns the provider-neutral defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		MaxContextTokens:       DefaultMaxContextTokens,
		ReservedForResponse:    DefaultReservedForResponse,
		PreserveRecentCount:    5,
		MinMessagesToKeep:      10,
		PreserveSystemMessages: true,
		TargetAfterCompact:     0.5,
		CharsPerToken:          4.0,
	}
}

// ForProvider returns defaults tuned for a provider and model. An empty
// provider is looked up from the model catalog.
func ForProvider(provider, model string) Config {
	cfg := DefaultConfig()
	provider = strings.ToLower(provider)
	if provider == "" {
		if info := unifiedllm.GetModelInfo(model); info != nil {
			provider = info.Provider
		}
	}

	switch provider {
	case "anthropic":
		cfg.MaxContextTokens, cfg.ReservedForResponse = 200_000, 13_000
		cfg.CharsPerToken = 3.5
	case "openai":
		switch {
		case strings.Contains(model, "gpt-4o"), strings.Contains(model, "gpt-4-turbo"):
			cfg.MaxContextTokens, cfg.ReservedForResponse = 128_000, 10_000
		case strings.Contains(model, "gpt-4"):
			cfg.MaxContextTokens, cfg.ReservedForResponse = 8_192, 2_000
		default:
			cfg.MaxContextTokens, cfg.ReservedForResponse = 16_385, 4_000
		}
	case "google", "gemini":
		cfg.MaxContextTokens, cfg.ReservedForResponse = 1_000_000, 20_000
	}
	return cfg
}

type envOverride struct {
	Pct *float64 `env:"SAGE_AUTOCOMPACT_PCT_OVERRIDE"`
}

// WithEnvOverride applies SAGE_AUTOCOMPACT_PCT_OVERRIDE when it holds a
// valid number. Unparseable values are ignored.
func (c Config) WithEnvOverride() Config {
	var o envOverride
	if err := env.Parse(&o); err != nil || o.Pct == nil {
		return c
	}
	c.ThresholdOverride = o.Pct
	return c
}

// ThresholdTokens is the estimate at which auto-compaction fires. It never
// goes negative.
func (c Config) ThresholdTokens() int {
	if c.ThresholdOverride != nil {
		pct := min(max(*c.ThresholdOverride, 0.1), 1.0)
		return int(float64(c.MaxContextTokens) * pct)
	}
	return max(c.MaxContextTokens-c.ReservedForResponse, 0)
}

// TargetTokens is the size compaction aims for.
func (c Config) TargetTokens() int {
	return int(float64(c.MaxContextTokens) * c.TargetAfterCompact)
}
