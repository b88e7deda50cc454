package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// mockAdapter is a test double for ProviderAdapter. It returns errs in
// order, then response.
type mockAdapter struct {
	name     string
	response *Response
	errs     []error
	events   []StreamEvent

	mu     sync.Mutex
	calls  int
	models []string
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) next(req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.models = append(m.models, req.Model)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return err
	}
	return nil
}

func (m *mockAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := m.next(req); err != nil {
		return nil, err
	}
	resp := *m.response
	return &resp, nil
}

func (m *mockAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if err := m.next(req); err != nil {
		return nil, err
	}
	ch := make(chan StreamEvent, len(m.events))
	for _, e := range m.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func (m *mockAdapter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newMockAdapter(name, text string) *mockAdapter {
	return &mockAdapter{
		name: name,
		response: &Response{
			ID: "test_resp",
			Message: Message{
				Role:    RoleAssistant,
				Content: []ContentPart{TextPart(text)},
			},
			FinishReason: FinishReason{Reason: "stop"},
			Usage:        Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
		},
	}
}

func rateLimited() error {
	return &RateLimitError{ProviderError: ProviderError{SDKError: SDKError{Message: "too many requests"}, StatusCode: 429}}
}

func TestClientChat(t *testing.T) {
	mock := newMockAdapter("test-provider", "Hello!")
	client := NewClient(
		WithProvider("test-provider", mock),
		WithDefaultProvider("test-provider"),
	)

	resp, err := client.Chat(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", resp.Text())
	}
	if resp.Provider != "test-provider" {
		t.Errorf("expected provider %q, got %q", "test-provider", resp.Provider)
	}
	if resp.Model != "test-model" {
		t.Errorf("expected model %q, got %q", "test-model", resp.Model)
	}
}

func TestClientProviderRouting(t *testing.T) {
	openai := newMockAdapter("openai", "OpenAI response")
	anthropic := newMockAdapter("anthropic", "Anthropic response")

	client := NewClient(
		WithProvider("openai", openai),
		WithProvider("anthropic", anthropic),
		WithDefaultProvider("openai"),
	)

	resp, err := client.Chat(context.Background(), Request{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{UserMessage("Hi")},
		Provider: "anthropic",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Anthropic response" {
		t.Errorf("expected Anthropic response, got %q", resp.Text())
	}

	resp, err = client.Chat(context.Background(), Request{
		Model:    "gpt-4o",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "OpenAI response" {
		t.Errorf("expected OpenAI response, got %q", resp.Text())
	}
}

func TestClientProviderFromCatalog(t *testing.T) {
	anthropic := newMockAdapter("anthropic", "from catalog")
	client := NewClient()
	client.providers["anthropic"] = anthropic

	resp, err := client.Chat(context.Background(), Request{
		Model:    "sonnet",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "from catalog" {
		t.Errorf("expected catalog routing, got %q", resp.Text())
	}
}

func TestClientNoProvider(t *testing.T) {
	client := NewClient()
	_, err := client.Chat(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigurationError, got %T", err)
	}
}

func TestClientMiddlewareOrder(t *testing.T) {
	mock := newMockAdapter("test", "response")
	var order []int

	mw1 := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		order = append(order, 1)
		resp, err := next(ctx, req)
		order = append(order, -1)
		return resp, err
	}
	mw2 := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		order = append(order, 2)
		resp, err := next(ctx, req)
		order = append(order, -2)
		return resp, err
	}

	client := NewClient(
		WithProvider("test", mock),
		WithMiddleware(mw1, mw2),
	)

	if _, err := client.Chat(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Onion pattern: first registered runs first for request, reverse for response.
	expected := []int{1, 2, -2, -1}
	if len(order) != len(expected) {
		t.Fatalf("expected %d middleware calls, got %d", len(expected), len(order))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Errorf("position %d: expected %d, got %d", i, v, order[i])
		}
	}
}

func TestClientRetriesTransientErrors(t *testing.T) {
	mock := newMockAdapter("test", "eventually")
	mock.errs = []error{serverErr(503), rateLimited()}

	client := NewClient(WithProvider("test", mock), WithRetryPolicy(fastPolicy(3)))
	resp, err := client.Chat(context.Background(), Request{Model: "m", Messages: []Message{UserMessage("Hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "eventually" {
		t.Errorf("unexpected text %q", resp.Text())
	}
	if mock.callCount() != 3 {
		t.Errorf("expected 3 calls, got %d", mock.callCount())
	}
}

func TestClientDoesNotRetryPermanentErrors(t *testing.T) {
	mock := newMockAdapter("test", "never")
	mock.errs = []error{ErrorFromStatusCode(401, "bad key", "test", "", nil)}

	client := NewClient(WithProvider("test", mock), WithRetryPolicy(fastPolicy(3)))
	_, err := client.Chat(context.Background(), Request{Model: "m", Messages: []Message{UserMessage("Hi")}})
	var auth *AuthenticationError
	if !errors.As(err, &auth) {
		t.Fatalf("expected AuthenticationError, got %T: %v", err, err)
	}
	if mock.callCount() != 1 {
		t.Errorf("expected 1 call, got %d", mock.callCount())
	}
}

type namedOnlyAdapter struct{ *mockAdapter }

func (namedOnlyAdapter) SupportsToolChoice(mode string) bool { return mode != "named" }

func TestClientRejectsUnsupportedToolChoice(t *testing.T) {
	mock := namedOnlyAdapter{newMockAdapter("test", "never")}
	client := NewClient(WithProvider("test", mock))
	req := Request{
		Model:      "m",
		Messages:   []Message{UserMessage("Hi")},
		Tools:      []ToolDefinition{{Name: "shell"}},
		ToolChoice: &ToolChoice{Mode: "named", ToolName: "shell"},
	}
	_, err := client.Chat(context.Background(), req)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %T: %v", err, err)
	}
	if mock.callCount() != 0 {
		t.Errorf("adapter called %d times", mock.callCount())
	}

	req.ToolChoice = &ToolChoice{Mode: "auto"}
	if _, err := client.Chat(context.Background(), req); err != nil {
		t.Fatalf("auto tool choice: %v", err)
	}
}

func TestClientSanitizesErrors(t *testing.T) {
	mock := newMockAdapter("test", "never")
	mock.errs = []error{ErrorFromStatusCode(400, "bad request api_key=sk-live-123456", "test", "", nil)}

	client := NewClient(WithProvider("test", mock), WithRetryPolicy(fastPolicy(0)))
	_, err := client.Chat(context.Background(), Request{Model: "m", Messages: []Message{UserMessage("Hi")}})
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), "sk-live-123456") {
		t.Errorf("secret leaked in error: %q", err.Error())
	}
	if !strings.Contains(err.Error(), "[REDACTED]") {
		t.Errorf("expected redaction marker in %q", err.Error())
	}
}

func TestClientFallbackAfterRepeatedRateLimits(t *testing.T) {
	primary := newMockAdapter("primary", "from primary")
	primary.errs = []error{rateLimited(), rateLimited(), rateLimited()}
	backup := newMockAdapter("backup", "from backup")

	p := NewModelConfig("primary-model", "primary")
	p.MaxRetries = 3
	b := NewModelConfig("backup-model", "backup")
	b.Priority = 1
	chain := NewFallbackChain(p, b)

	var events []FallbackEvent
	client := NewClient(
		WithProvider("primary", primary),
		WithProvider("backup", backup),
		WithRetryPolicy(fastPolicy(5)),
		WithFallbackChain(chain),
		WithFallbackObserver(func(ev FallbackEvent) { events = append(events, ev) }),
	)

	resp, err := client.Chat(context.Background(), Request{Messages: []Message{UserMessage("Hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "from backup" {
		t.Errorf("expected backup response, got %q", resp.Text())
	}
	if primary.callCount() != 3 {
		t.Errorf("expected 3 primary calls, got %d", primary.callCount())
	}
	if len(events) != 1 {
		t.Fatalf("expected one fallback event, got %d", len(events))
	}
	if events[0].From != "primary-model" || events[0].To != "backup-model" || events[0].Reason != ReasonRateLimited {
		t.Errorf("unexpected event %+v", events[0])
	}
	if backup.models[0] != "backup-model" {
		t.Errorf("expected backup to receive its model id, got %q", backup.models[0])
	}
}

func TestClientFallbackExhausted(t *testing.T) {
	only := newMockAdapter("only", "never")
	only.errs = []error{rateLimited(), rateLimited()}
	m := NewModelConfig("only-model", "only")
	m.MaxRetries = 2

	client := NewClient(
		WithProvider("only", only),
		WithRetryPolicy(fastPolicy(5)),
		WithFallbackChain(NewFallbackChain(m)),
	)
	_, err := client.Chat(context.Background(), Request{Messages: []Message{UserMessage("Hi")}})
	if !errors.Is(err, ErrNoAvailableModel) {
		t.Fatalf("expected ErrNoAvailableModel, got %v", err)
	}
}

func TestClientChatStream(t *testing.T) {
	mock := &mockAdapter{
		name: "test",
		events: []StreamEvent{
			{Type: StreamStart},
			{Type: TextDelta, Delta: "Hello"},
			{Type: TextDelta, Delta: " world"},
			{Type: StreamFinish, FinishReason: &FinishReason{Reason: "stop"}},
		},
	}

	client := NewClient(WithProvider("test", mock))
	ch, err := client.ChatStream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acc := NewStreamAccumulator()
	var events []StreamEvent
	for event := range ch {
		events = append(events, event)
		acc.Add(event)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[0].Type != StreamStart {
		t.Errorf("expected StreamStart, got %q", events[0].Type)
	}
	if got := acc.Response().Text(); got != "Hello world" {
		t.Errorf("expected %q, got %q", "Hello world", got)
	}
	if acc.firstToken.IsZero() {
		t.Error("expected first token time to be recorded")
	}
}

// recordingTracer hands out spans that remember whether they ended.
type recordingTracer struct {
	noop.Tracer
	mu    sync.Mutex
	spans []*recordingSpan
}

func (r *recordingTracer) Start(ctx context.Context, name string, _ ...trace.SpanStartOption) (context.Context, trace.Span) {
	s := &recordingSpan{name: name}
	r.mu.Lock()
	r.spans = append(r.spans, s)
	r.mu.Unlock()
	return trace.ContextWithSpan(ctx, s), s
}

func (r *recordingTracer) span(name string) *recordingSpan {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.spans {
		if s.name == name {
			return s
		}
	}
	return nil
}

type recordingSpan struct {
	noop.Span
	name   string
	ended  atomic.Bool
	errors atomic.Int32
}

func (s *recordingSpan) End(...trace.SpanEndOption) { s.ended.Store(true) }
func (s *recordingSpan) RecordError(error, ...trace.EventOption) { s.errors.Add(1) }

func TestClientChatStreamSpanCoversWholeStream(t *testing.T) {
	rec := &recordingTracer{}
	orig := tracer
	tracer = rec
	t.Cleanup(func() { tracer = orig })

	mock := &mockAdapter{
		name: "test",
		events: []StreamEvent{
			{Type: StreamStart},
			{Type: TextDelta, Delta: "partial"},
			{Type: StreamError, Error: errors.New("connection reset")},
		},
	}
	client := NewClient(WithProvider("test", mock))
	ch, err := client.ChatStream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, ok := <-ch
	if !ok || first.Type != StreamStart {
		t.Fatalf("expected StreamStart first, got %+v (open=%v)", first, ok)
	}
	span := rec.span("unifiedllm.chat_stream")
	if span == nil {
		t.Fatal("expected a chat_stream span")
	}
	if span.ended.Load() {
		t.Error("span ended before the stream was drained")
	}

	n := 1
	for range ch {
		n++
	}
	if n != 3 {
		t.Errorf("expected 3 events forwarded, got %d", n)
	}
	if !span.ended.Load() {
		t.Error("expected span to end once the stream closed")
	}
	if got := span.errors.Load(); got != 1 {
		t.Errorf("expected the stream error recorded on the span, got %d", got)
	}
}

func TestClientChatStreamOpenFailureEndsSpan(t *testing.T) {
	rec := &recordingTracer{}
	orig := tracer
	tracer = rec
	t.Cleanup(func() { tracer = orig })

	mock := &mockAdapter{name: "test", errs: []error{ErrorFromStatusCode(400, "bad request", "test", "", nil)}}
	client := NewClient(WithProvider("test", mock))
	if _, err := client.ChatStream(context.Background(), Request{Model: "m", Messages: []Message{UserMessage("Hi")}}); err == nil {
		t.Fatal("expected error")
	}
	span := rec.span("unifiedllm.chat_stream")
	if span == nil || !span.ended.Load() {
		t.Error("expected span to end when the stream fails to open")
	}
}

func TestClientRegisterProvider(t *testing.T) {
	client := NewClient()
	client.RegisterProvider("dynamic", newMockAdapter("dynamic", "dynamic response"))

	resp, err := client.Chat(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "dynamic response" {
		t.Errorf("expected %q, got %q", "dynamic response", resp.Text())
	}
}

func TestStreamAccumulatorToolCalls(t *testing.T) {
	acc := NewStreamAccumulator()
	acc.Add(StreamEvent{Type: ToolCallStart, Index: 0, ToolCall: &ToolCall{ID: "call_1", Name: "read_file", RawArguments: `{"pa`}})
	acc.Add(StreamEvent{Type: ToolCallDelta, Index: 0, ToolCall: &ToolCall{RawArguments: `th":"a.go"}`}})
	acc.Add(StreamEvent{Type: ToolCallStart, Index: 1, ToolCall: &ToolCall{ID: "call_2", Name: "task_done"}})
	acc.Add(StreamEvent{Type: StreamFinish, Usage: &Usage{InputTokens: 3}})

	resp := acc.Response()
	calls := resp.ToolCallsFromResponse()
	if len(calls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(calls))
	}
	var args map[string]string
	if err := json.Unmarshal(calls[0].Arguments, &args); err != nil || args["path"] != "a.go" {
		t.Errorf("unexpected arguments %s (err %v)", calls[0].Arguments, err)
	}
	if string(calls[1].Arguments) != "{}" {
		t.Errorf("expected empty object, got %s", calls[1].Arguments)
	}
	if resp.FinishReason.Reason != "tool_calls" {
		t.Errorf("expected tool_calls finish reason, got %q", resp.FinishReason.Reason)
	}
	if resp.Usage.InputTokens != 3 {
		t.Errorf("expected usage to be carried, got %+v", resp.Usage)
	}
}

func TestStreamAccumulatorError(t *testing.T) {
	acc := NewStreamAccumulator()
	boom := errors.New("boom")
	acc.Add(StreamEvent{Type: StreamError, Error: boom})
	if !errors.Is(acc.Err(), boom) {
		t.Errorf("expected stream error, got %v", acc.Err())
	}
	if acc.TimeToFirstToken() != 0 {
		t.Error("expected no first token")
	}
}

func TestEstimateRequestTokens(t *testing.T) {
	req := Request{Messages: []Message{UserMessage(strings.Repeat("a", 400))}}
	if got := EstimateRequestTokens(req); got != 100 {
		t.Errorf("expected 100, got %d", got)
	}
}
