package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
)

func TestGollmAdapterTranslateError(t *testing.T) {
	adapter := &GollmAdapter{provider: "anthropic"}

	tests := []struct {
		errMsg string
		check  func(error) bool
		want   string
	}{
		{"401 Unauthorized", func(e error) bool { _, ok := e.(*AuthenticationError); return ok }, "AuthenticationError"},
		{"invalid api key", func(e error) bool { _, ok := e.(*AuthenticationError); return ok }, "AuthenticationError"},
		{"403 Forbidden", func(e error) bool { _, ok := e.(*AccessDeniedError); return ok }, "AccessDeniedError"},
		{"404 not found", func(e error) bool { _, ok := e.(*NotFoundError); return ok }, "NotFoundError"},
		{"model not found", func(e error) bool { _, ok := e.(*NotFoundError); return ok }, "NotFoundError"},
		{"429 rate limit exceeded", func(e error) bool { _, ok := e.(*RateLimitError); return ok }, "RateLimitError"},
		{"rate limit exceeded", func(e error) bool { _, ok := e.(*RateLimitError); return ok }, "RateLimitError"},
		{"context length exceeded", func(e error) bool { _, ok := e.(*ContextLengthError); return ok }, "ContextLengthError"},
		{"500 internal server error", func(e error) bool { _, ok := e.(*ServerError); return ok }, "ServerError"},
		{"upstream returned 529", func(e error) bool { _, ok := e.(*ServerError); return ok }, "ServerError"},
		{"timeout waiting for response", func(e error) bool { _, ok := e.(*RequestTimeoutError); return ok }, "RequestTimeoutError"},
		{"content filter triggered", func(e error) bool { _, ok := e.(*ContentFilterError); return ok }, "ContentFilterError"},
		{"something unknown", func(e error) bool { _, ok := e.(*ProviderError); return ok }, "ProviderError"},
	}

	for _, tt := range tests {
		err := adapter.translateError(fmt.Errorf("%s", tt.errMsg))
		if err == nil {
			t.Errorf("expected non-nil error for %q", tt.errMsg)
			continue
		}
		if !tt.check(err) {
			t.Errorf("for %q: expected %s, got %T", tt.errMsg, tt.want, err)
		}
	}
}

func TestGollmAdapterTranslateContextErrors(t *testing.T) {
	adapter := &GollmAdapter{provider: "anthropic"}

	if _, ok := adapter.translateError(context.Canceled).(*AbortError); !ok {
		t.Error("expected AbortError for context.Canceled")
	}
	if _, ok := adapter.translateError(context.DeadlineExceeded).(*RequestTimeoutError); !ok {
		t.Error("expected RequestTimeoutError for context.DeadlineExceeded")
	}
	if adapter.translateError(nil) != nil {
		t.Error("expected nil for nil error")
	}
}

func TestGollmAdapterSupportsToolChoice(t *testing.T) {
	adapter := &GollmAdapter{provider: "openai"}

	for _, mode := range []string{"auto", "none", "required", "named"} {
		if !adapter.SupportsToolChoice(mode) {
			t.Errorf("expected %s to be supported", mode)
		}
	}
	if adapter.SupportsToolChoice("invalid") {
		t.Error("expected invalid to not be supported")
	}

	geminiAdapter := &GollmAdapter{provider: "gemini"}
	if geminiAdapter.SupportsToolChoice("named") {
		t.Error("expected named to not be supported for gemini")
	}
}

func TestParseToolCalls(t *testing.T) {
	text := `I'll read the file.
[{"name": "read_file", "arguments": {"path": "main.go"}}, {"name": "task_done"}]`

	calls, rest := parseToolCalls(text)
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if rest != "I'll read the file." {
		t.Errorf("expected leading text, got %q", rest)
	}
	if calls[0].Name != "read_file" {
		t.Errorf("expected read_file, got %q", calls[0].Name)
	}
	var args map[string]string
	if err := json.Unmarshal(calls[0].Arguments, &args); err != nil || args["path"] != "main.go" {
		t.Errorf("unexpected arguments %s (err %v)", calls[0].Arguments, err)
	}
	if string(calls[1].Arguments) != "{}" {
		t.Errorf("expected empty arguments, got %s", calls[1].Arguments)
	}
	if calls[0].ID == "" || calls[0].ID == calls[1].ID {
		t.Errorf("expected distinct ids, got %q and %q", calls[0].ID, calls[1].ID)
	}
}

func TestParseToolCallsPlainText(t *testing.T) {
	calls, rest := parseToolCalls("  just an answer  ")
	if calls != nil {
		t.Errorf("expected no calls, got %v", calls)
	}
	if rest != "just an answer" {
		t.Errorf("expected trimmed text, got %q", rest)
	}

	calls, _ = parseToolCalls(`[{"name": broken`)
	if calls != nil {
		t.Errorf("expected malformed JSON to yield no calls, got %v", calls)
	}
}

func TestEstimateTokens(t *testing.T) {
	req := Request{Messages: []Message{UserMessage("Hello world, this is a test message.")}}
	if tokens := estimateTokens(req); tokens <= 0 {
		t.Errorf("expected positive token estimate, got %d", tokens)
	}
	if tokens := estimateTokens(Request{}); tokens != 10 {
		t.Errorf("expected default token estimate of 10, got %d", tokens)
	}
}
