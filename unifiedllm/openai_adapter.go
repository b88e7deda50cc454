package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIAdapter talks to OpenAI-compatible chat completion endpoints with
// native tool calling.
type OpenAIAdapter struct {
	name   string
	client *openai.Client
	model  string
}

// OpenAIOption configures an OpenAIAdapter.
type OpenAIOption func(*openAIConfig)

type openAIConfig struct {
	name       string
	baseURL    string
	model      string
	httpClient *http.Client
}

// WithOpenAIBaseURL points the adapter at a compatible endpoint.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) { c.baseURL = url }
}

// WithOpenAIModel sets the model used when a request names none.
func WithOpenAIModel(model string) OpenAIOption {
	return func(c *openAIConfig) { c.model = model }
}

// WithOpenAIName overrides the provider name reported by the adapter.
func WithOpenAIName(name string) OpenAIOption {
	return func(c *openAIConfig) { c.name = name }
}

// WithOpenAIHTTPClient sets the HTTP client.
func WithOpenAIHTTPClient(hc *http.Client) OpenAIOption {
	return func(c *openAIConfig) { c.httpClient = hc }
}

// NewOpenAIAdapter creates an adapter authenticated with apiKey.
func NewOpenAIAdapter(apiKey string, opts ...OpenAIOption) *OpenAIAdapter {
	cfg := &openAIConfig{name: "openai", model: "gpt-4o"}
	for _, opt := range opts {
		opt(cfg)
	}
	oc := openai.DefaultConfig(apiKey)
	if cfg.baseURL != "" {
		oc.BaseURL = cfg.baseURL
	}
	if cfg.httpClient != nil {
		oc.HTTPClient = cfg.httpClient
	}
	return &OpenAIAdapter{
		name:   cfg.name,
		client: openai.NewClientWithConfig(oc),
		model:  cfg.model,
	}
}

// Name returns the provider identifier.
func (a *OpenAIAdapter) Name() string { return a.name }

// SupportsToolChoice covers every mode the chat completions API accepts.
func (a *OpenAIAdapter) SupportsToolChoice(mode string) bool {
	switch mode {
	case "auto", "none", "required", "named":
		return true
	}
	return false
}

// Complete sends a blocking chat completion.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	creq := a.translateRequest(req)
	resp, err := a.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, a.translateError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{SDKError: SDKError{Message: "response contained no choices"}, Provider: a.name}
	}
	choice := resp.Choices[0]
	return &Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Provider:     a.name,
		Message:      fromOpenAIMessage(choice.Message),
		FinishReason: mapFinishReason(string(choice.FinishReason)),
		Usage:        fromOpenAIUsage(resp.Usage),
	}, nil
}

// Stream opens a streaming chat completion.
func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	creq := a.translateRequest(req)
	creq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	stream, err := a.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return nil, a.translateError(err)
	}

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		defer stream.Close()

		ch <- StreamEvent{Type: StreamStart}
		var (
			finish FinishReason
			usage  Usage
			seen   = map[int]bool{}
		)
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				ch <- StreamEvent{Type: StreamError, Error: a.translateError(err)}
				return
			}
			if chunk.Usage != nil {
				usage = fromOpenAIUsage(*chunk.Usage)
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					ch <- StreamEvent{Type: TextDelta, Delta: choice.Delta.Content}
				}
				for _, tc := range choice.Delta.ToolCalls {
					idx := 0
					if tc.Index != nil {
						idx = *tc.Index
					}
					typ := ToolCallDelta
					if !seen[idx] {
						typ = ToolCallStart
						seen[idx] = true
					}
					ch <- StreamEvent{
						Type:     typ,
						Index:    idx,
						ToolCall: &ToolCall{ID: tc.ID, Name: tc.Function.Name, RawArguments: tc.Function.Arguments},
					}
				}
				if choice.FinishReason != "" {
					finish = mapFinishReason(string(choice.FinishReason))
				}
			}
		}
		ch <- StreamEvent{Type: StreamFinish, FinishReason: &finish, Usage: &usage}
	}()
	return ch, nil
}

func (a *OpenAIAdapter) translateRequest(req Request) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = a.model
	}
	creq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(req.Messages),
		Stop:     req.Stop,
	}
	if req.MaxTokens != nil {
		creq.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		creq.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		creq.TopP = float32(*req.TopP)
	}
	for _, t := range req.Tools {
		creq.Tools = append(creq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if req.ToolChoice != nil && len(creq.Tools) > 0 {
		switch req.ToolChoice.Mode {
		case "named":
			creq.ToolChoice = openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: req.ToolChoice.ToolName},
			}
		case "auto", "none", "required":
			creq.ToolChoice = req.ToolChoice.Mode
		}
	}
	return creq
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.TextContent()})
		case RoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.TextContent()})
		case RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.TextContent()}
			for _, tc := range m.ToolCalls() {
				args := string(tc.Arguments)
				if args == "" {
					args = "{}"
				}
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:       tc.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: tc.Name, Arguments: args},
				})
			}
			out = append(out, msg)
		case RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.ToolResultText(),
				ToolCallID: m.ToolCallID,
			})
		}
	}
	return out
}

func fromOpenAIMessage(m openai.ChatCompletionMessage) Message {
	msg := Message{Role: RoleAssistant}
	if m.Content != "" {
		msg.Content = append(msg.Content, TextPart(m.Content))
	}
	for _, tc := range m.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			raw, _ := json.Marshal(tc.Function.Arguments)
			args = raw
		}
		msg.Content = append(msg.Content, ToolCallPart(tc.ID, tc.Function.Name, args))
	}
	return msg
}

func fromOpenAIUsage(u openai.Usage) Usage {
	usage := Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		usage.CacheReadTokens = u.PromptTokensDetails.CachedTokens
	}
	return usage
}

func mapFinishReason(raw string) FinishReason {
	switch raw {
	case "stop", "length", "content_filter":
		return FinishReason{Reason: raw, Raw: raw}
	case "tool_calls", "function_call":
		return FinishReason{Reason: "tool_calls", Raw: raw}
	case "":
		return FinishReason{Reason: "stop"}
	}
	return FinishReason{Reason: "other", Raw: raw}
}

func (a *OpenAIAdapter) translateError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		if apiErr.Code != nil {
			code = fmt.Sprint(apiErr.Code)
		}
		return ErrorFromStatusCode(apiErr.HTTPStatusCode, apiErr.Message, a.name, code, nil)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return ErrorFromStatusCode(reqErr.HTTPStatusCode, reqErr.Error(), a.name, "", nil)
	}
	if errors.Is(err, context.Canceled) {
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: err}}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RequestTimeoutError{SDKError: SDKError{Message: "request timed out", Cause: err}}
	}
	if strings.Contains(strings.ToLower(err.Error()), "connection") {
		return &NetworkError{SDKError: SDKError{Message: "network error", Cause: err}}
	}
	return &ProviderError{SDKError: SDKError{Message: err.Error(), Cause: err}, Provider: a.name}
}
