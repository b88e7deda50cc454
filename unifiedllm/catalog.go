package unifiedllm

// ModelInfo describes a known model.
type ModelInfo struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	DisplayName   string   `json:"display_name"`
	ContextWindow int      `json:"context_window"`
	MaxOutput     int      `json:"max_output"`
	SupportsTools bool     `json:"supports_tools"`
	Aliases       []string `json:"aliases,omitempty"`
}

// Models is the built-in catalog, newest first within each provider.
var Models = []ModelInfo{
	{ID: "claude-sonnet-4-5", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5",
		ContextWindow: 200_000, MaxOutput: 16_384, SupportsTools: true, Aliases: []string{"sonnet"}},
	{ID: "claude-opus-4-1", Provider: "anthropic", DisplayName: "Claude Opus 4.1",
		ContextWindow: 200_000, MaxOutput: 32_768, SupportsTools: true, Aliases: []string{"opus"}},
	{ID: "claude-haiku-4-5", Provider: "anthropic", DisplayName: "Claude Haiku 4.5",
		ContextWindow: 200_000, MaxOutput: 8_192, SupportsTools: true, Aliases: []string{"haiku"}},

	{ID: "gpt-4o", Provider: "openai", DisplayName: "GPT-4o",
		ContextWindow: 128_000, MaxOutput: 16_384, SupportsTools: true},
	{ID: "gpt-4-turbo", Provider: "openai", DisplayName: "GPT-4 Turbo",
		ContextWindow: 128_000, MaxOutput: 4_096, SupportsTools: true},
	{ID: "gpt-4o-mini", Provider: "openai", DisplayName: "GPT-4o mini",
		ContextWindow: 128_000, MaxOutput: 16_384, SupportsTools: true, Aliases: []string{"mini"}},
	{ID: "gpt-4", Provider: "openai", DisplayName: "GPT-4",
		ContextWindow: 8_192, MaxOutput: 2_048, SupportsTools: true},

	{ID: "gemini-2.5-pro", Provider: "google", DisplayName: "Gemini 2.5 Pro",
		ContextWindow: 1_048_576, MaxOutput: 65_536, SupportsTools: true, Aliases: []string{"gemini-pro"}},
}

// GetModelInfo returns the catalog entry for a model or alias, or nil if unknown.
func GetModelInfo(modelID string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == modelID {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == modelID {
				return &Models[i]
			}
		}
	}
	return nil
}

// ListModels returns all known models, optionally filtered by provider.
func ListModels(provider string) []ModelInfo {
	var result []ModelInfo
	for _, m := range Models {
		if provider == "" || m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}

// GetLatestModel returns the preferred model for a provider.
func GetLatestModel(provider string) *ModelInfo {
	for i := range Models {
		if Models[i].Provider == provider {
			return &Models[i]
		}
	}
	return nil
}
