// Package config loads sage configuration: a YAML document, environment
// overrides, and validation. The core packages take plain structs, so
// everything here is wiring for cmd/sage.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/sage/agenterr"
	"github.com/martinemde/sage/agentloop"
	"github.com/martinemde/sage/contextmgr"
	"github.com/martinemde/sage/hooks"
	"github.com/martinemde/sage/permission"
	"github.com/martinemde/sage/sandbox"
	"github.com/martinemde/sage/sessionstore"
	"github.com/martinemde/sage/unifiedllm"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SAGE_"

// DefaultSearchPaths returns the config file search order: the project
// file first, then the user file.
func DefaultSearchPaths() []string {
	paths := []string{filepath.Join(".sage", "config.yaml")}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "sage", "config.yaml"))
	}
	return paths
}

// FindConfig locates a config file. An explicit path must exist. Otherwise
// the first existing search path wins, and "" means none was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", agenterr.New(agenterr.KindConfig, "config.find", "config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// Config holds all sage configuration.
type Config struct {
	Provider    ProviderConfig                        `yaml:"provider"`
	Fallback    []unifiedllm.ModelConfig              `yaml:"fallback" validate:"dive"`
	RateLimit   map[string]unifiedllm.RateLimitConfig `yaml:"rate_limit" validate:"dive"`
	Retry       RetryConfig                           `yaml:"retry"`
	Context     *contextmgr.Config                    `yaml:"context"`
	Sandbox     SandboxConfig                         `yaml:"sandbox"`
	Session     SessionConfig                         `yaml:"session"`
	Permissions PermissionsConfig                     `yaml:"permissions"`
	Hooks       HooksConfig                           `yaml:"hooks"`
	Loop        agentloop.LoopConfig                  `yaml:"loop"`
	Log         LogConfig                             `yaml:"log"`
}

// ProviderConfig selects the primary model. API keys are never stored in
// the file; APIKeyEnv names the variable that holds the key.
type ProviderConfig struct {
	Name      string `yaml:"name" env:"PROVIDER" validate:"required"`
	Model     string `yaml:"model" env:"MODEL" validate:"required"`
	BaseURL   string `yaml:"base_url" env:"BASE_URL" validate:"omitempty,url"`
	APIKeyEnv string `yaml:"api_key_env" env:"API_KEY_ENV"`
}

// APIKey reads the provider key from the environment.
func (p ProviderConfig) APIKey() string {
	name := p.APIKeyEnv
	if name == "" {
		name = strings.ToUpper(p.Name) + "_API_KEY"
	}
	return os.Getenv(name)
}

// RetryConfig mirrors unifiedllm.RetryPolicy for the file format.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries" validate:"gte=0"`
	MaxUnknownRetries int           `yaml:"max_unknown_retries" validate:"gte=0"`
	BaseDelay         time.Duration `yaml:"base_delay" validate:"gte=0"`
	MaxDelay          time.Duration `yaml:"max_delay" validate:"gte=0"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" validate:"gte=0"`
	Jitter            bool          `yaml:"jitter"`
	Deadline          time.Duration `yaml:"deadline" validate:"gte=0"`
}

// Policy converts the section to a retry policy.
func (r RetryConfig) Policy() unifiedllm.RetryPolicy {
	return unifiedllm.RetryPolicy{
		MaxRetries:        r.MaxRetries,
		MaxUnknownRetries: r.MaxUnknownRetries,
		BaseDelay:         r.BaseDelay,
		MaxDelay:          r.MaxDelay,
		BackoffMultiplier: r.BackoffMultiplier,
		Jitter:            r.Jitter,
		Deadline:          r.Deadline,
	}
}

// SandboxConfig picks the isolation profile and resource limits for
// shell commands and command hooks.
type SandboxConfig struct {
	Profile string         `yaml:"profile" env:"SANDBOX_PROFILE" validate:"omitempty,oneof=none read_only no_network strict"`
	Limits  sandbox.Limits `yaml:"limits"`
}

// SessionConfig controls persistence and checkpoints.
type SessionConfig struct {
	Dir         string                      `yaml:"dir" env:"SESSIONS_DIR"`
	Sync        bool                        `yaml:"sync"`
	Checkpoints bool                        `yaml:"checkpoints"`
	GitState    bool                        `yaml:"git_state"`
	Rotation    sessionstore.RotationPolicy `yaml:"rotation"`
}

// PermissionsConfig holds inline rules and the rules files to load.
type PermissionsConfig struct {
	Default     string            `yaml:"default" validate:"omitempty,oneof=allow ask deny"`
	UserFile    string            `yaml:"user_file"`
	ProjectFile string            `yaml:"project_file"`
	Watch       bool              `yaml:"watch"`
	Rules       []permission.Rule `yaml:"rules" validate:"dive"`
}

// HooksConfig holds inline hooks and extra hook files.
type HooksConfig struct {
	Files []string     `yaml:"files"`
	Hooks []hooks.Hook `yaml:"hooks" validate:"dive"`
}

// LogConfig selects the log level and handler format.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT" validate:"omitempty,oneof=text json"`
}

// Default returns the built-in configuration.
func Default() *Config {
	dir := ".sage"
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, ".sage")
	}
	return &Config{
		Provider: ProviderConfig{Name: "anthropic", Model: "claude-sonnet-4-5"},
		Retry: RetryConfig{
			MaxRetries:        3,
			MaxUnknownRetries: 1,
			BaseDelay:         time.Second,
			MaxDelay:          60 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
			Deadline:          120 * time.Second,
		},
		Sandbox: SandboxConfig{Profile: string(sandbox.ProfileNone), Limits: sandbox.DefaultLimits()},
		Session: SessionConfig{
			Dir:         filepath.Join(dir, "sessions"),
			Checkpoints: true,
			GitState:    true,
			Rotation:    sessionstore.RotationPolicy{MaxSessions: 200},
		},
		Permissions: PermissionsConfig{
			Default:     string(permission.Allow),
			UserFile:    filepath.Join(dir, "rules.yaml"),
			ProjectFile: filepath.Join(".sage", "rules.yaml"),
			Watch:       true,
		},
		Loop: agentloop.DefaultLoopConfig(),
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, applies SAGE_* environment overrides
// and validates the result. An empty path skips the file. Environment
// variables in the file are expanded.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, agenterr.Wrap(agenterr.KindConfig, "config.load", err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, agenterr.Wrap(agenterr.KindConfig, "config.parse", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv parses SAGE_* variables into the sections that carry env tags.
func (c *Config) applyEnv() error {
	for _, section := range []any{&c.Provider, &c.Sandbox, &c.Session, &c.Log} {
		if err := env.ParseWithOptions(section, env.Options{Prefix: EnvPrefix}); err != nil {
			return agenterr.Wrap(agenterr.KindConfig, "config.env", err)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the values that need parsing.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return agenterr.Wrap(agenterr.KindConfig, "config.validate", err)
	}
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		return agenterr.Wrap(agenterr.KindConfig, "config.validate", err)
	}
	if err := hooks.Validate(c.Hooks.Hooks); err != nil {
		return err
	}
	return nil
}

// LoopConfig returns the loop section with the primary model filled in.
func (c *Config) LoopConfig() agentloop.LoopConfig {
	l := c.Loop
	if l.Provider == "" {
		l.Provider = c.Provider.Name
	}
	if l.Model == "" {
		l.Model = c.Provider.Model
	}
	return l
}

// ContextConfig returns the context section, or the provider-tuned
// defaults when the file has none, with the threshold override applied.
func (c *Config) ContextConfig() contextmgr.Config {
	cfg := contextmgr.ForProvider(c.Provider.Name, c.Provider.Model)
	if c.Context != nil {
		cfg = *c.Context
	}
	return cfg.WithEnvOverride()
}

// Models returns the fallback chain entries. Without a fallback section
// the primary model is the only entry. Zero limits get the defaults.
func (c *Config) Models() []unifiedllm.ModelConfig {
	if len(c.Fallback) == 0 {
		return []unifiedllm.ModelConfig{unifiedllm.NewModelConfig(c.Provider.Model, c.Provider.Name)}
	}
	out := make([]unifiedllm.ModelConfig, len(c.Fallback))
	for i, m := range c.Fallback {
		d := unifiedllm.NewModelConfig(m.ID, m.Provider)
		if m.MaxContext == 0 {
			m.MaxContext = d.MaxContext
		}
		if m.Cooldown == 0 {
			m.Cooldown = d.Cooldown
		}
		if m.MaxRetries == 0 {
			m.MaxRetries = d.MaxRetries
		}
		out[i] = m
	}
	return out
}

// RateLimitFor returns the configured limits for provider, or its preset.
func (c *Config) RateLimitFor(provider string) unifiedllm.RateLimitConfig {
	if rl, ok := c.RateLimit[provider]; ok {
		return rl
	}
	return unifiedllm.RateLimitPreset(provider)
}

// SandboxProfile parses the sandbox profile.
func (c *Config) SandboxProfile() (sandbox.Profile, error) {
	p, err := sandbox.ParseProfile(c.Sandbox.Profile)
	if err != nil {
		return "", agenterr.Wrap(agenterr.KindConfig, "config.sandbox", err)
	}
	return p, nil
}

// DefaultBehavior returns the permission fallback behavior.
func (c *Config) DefaultBehavior() permission.Behavior {
	if c.Permissions.Default == "" {
		return permission.Allow
	}
	return permission.Behavior(c.Permissions.Default)
}
