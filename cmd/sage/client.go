package main

import (
	"log/slog"

	"github.com/martinemde/sage/agenterr"
	"github.com/martinemde/sage/config"
	"github.com/martinemde/sage/unifiedllm"
)

// newClient registers an adapter for every provider the fallback chain
// names. OpenAI and OpenAI-compatible endpoints use the native adapter;
// everything else goes through gollm. A chain of more than one model is
// installed on the client so it picks the model per request.
func newClient(cfg *config.Config, logger *slog.Logger, onFallback func(unifiedllm.FallbackEvent)) (*unifiedllm.Client, error) {
	models := cfg.Models()
	opts := []unifiedllm.ClientOption{
		unifiedllm.WithDefaultProvider(cfg.Provider.Name),
		unifiedllm.WithRetryPolicy(cfg.Retry.Policy()),
		unifiedllm.WithLogger(logger),
		unifiedllm.WithFallbackObserver(onFallback),
	}

	registered := map[string]bool{}
	for _, m := range models {
		if registered[m.Provider] {
			continue
		}
		registered[m.Provider] = true
		adapter, err := newAdapter(cfg, m)
		if err != nil {
			return nil, err
		}
		opts = append(opts,
			unifiedllm.WithProvider(m.Provider, adapter),
			unifiedllm.WithRateLimit(m.Provider, cfg.RateLimitFor(m.Provider)),
		)
	}
	if len(models) > 1 {
		opts = append(opts, unifiedllm.WithFallbackChain(unifiedllm.NewFallbackChain(models...)))
	}
	return unifiedllm.NewClient(opts...), nil
}

func newAdapter(cfg *config.Config, m unifiedllm.ModelConfig) (unifiedllm.ProviderAdapter, error) {
	p := cfg.Provider
	if m.Provider != p.Name {
		p = config.ProviderConfig{Name: m.Provider}
	}
	key := p.APIKey()
	if key == "" && p.BaseURL == "" {
		return nil, agenterr.New(agenterr.KindConfig, "sage.client", "no API key for provider %s", m.Provider)
	}

	if m.Provider == "openai" || p.BaseURL != "" {
		opts := []unifiedllm.OpenAIOption{unifiedllm.WithOpenAIModel(m.ID), unifiedllm.WithOpenAIName(m.Provider)}
		if p.BaseURL != "" {
			opts = append(opts, unifiedllm.WithOpenAIBaseURL(p.BaseURL))
		}
		return unifiedllm.NewOpenAIAdapter(key, opts...), nil
	}

	var gopts []unifiedllm.GollmAdapterOption
	gopts = append(gopts, unifiedllm.WithModel(m.ID))
	if cfg.Loop.MaxTokens != nil {
		gopts = append(gopts, unifiedllm.WithMaxTokens(*cfg.Loop.MaxTokens))
	}
	if cfg.Loop.Temperature != nil {
		gopts = append(gopts, unifiedllm.WithTemperature(*cfg.Loop.Temperature))
	}
	adapter, err := unifiedllm.NewGollmAdapter(m.Provider, key, gopts...)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindConfig, "sage.client", err)
	}
	return adapter, nil
}
