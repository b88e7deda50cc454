package unifiedllm

import "testing"

func TestGetModelInfo(t *testing.T) {
	info := GetModelInfo("claude-sonnet-4-5")
	if info == nil {
		t.Fatal("expected to find claude-sonnet-4-5")
	}
	if info.Provider != "anthropic" {
		t.Errorf("expected provider %q, got %q", "anthropic", info.Provider)
	}
	if info.ContextWindow != 200000 {
		t.Errorf("expected context window 200000, got %d", info.ContextWindow)
	}

	info = GetModelInfo("opus")
	if info == nil {
		t.Fatal("expected to find model by alias 'opus'")
	}
	if info.ID != "claude-opus-4-1" {
		t.Errorf("expected id %q, got %q", "claude-opus-4-1", info.ID)
	}

	if info := GetModelInfo("nonexistent-model"); info != nil {
		t.Errorf("expected nil for unknown model, got %v", info)
	}
}

func TestListModels(t *testing.T) {
	if all := ListModels(""); len(all) != len(Models) {
		t.Errorf("expected %d models, got %d", len(Models), len(all))
	}
	for _, m := range ListModels("openai") {
		if m.Provider != "openai" {
			t.Errorf("expected provider openai, got %q", m.Provider)
		}
	}
	if got := ListModels("nobody"); len(got) != 0 {
		t.Errorf("expected no models, got %d", len(got))
	}
}

func TestGetLatestModel(t *testing.T) {
	if m := GetLatestModel("openai"); m == nil || m.ID != "gpt-4o" {
		t.Errorf("expected gpt-4o, got %v", m)
	}
	if m := GetLatestModel("unknown"); m != nil {
		t.Errorf("expected nil, got %v", m)
	}
}
