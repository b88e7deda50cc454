package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOpenAITestAdapter(t *testing.T, handler http.HandlerFunc) *OpenAIAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIAdapter("test-key", WithOpenAIBaseURL(srv.URL+"/v1"))
}

func TestOpenAIAdapterComplete(t *testing.T) {
	var body map[string]any
	adapter := newOpenAITestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o",
			"choices": [{
				"index": 0,
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "read_file", "arguments": "{\"path\":\"a.go\"}"}}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
		}`)
	})

	resp, err := adapter.Complete(context.Background(), Request{
		Messages: []Message{
			SystemMessage("be brief"),
			UserMessage("read a.go"),
		},
		Tools: []ToolDefinition{{
			Name:        "read_file",
			Description: "Read a file",
			Parameters:  map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", body["model"])
	msgs, _ := body["messages"].([]any)
	require.Len(t, msgs, 2)
	tools, _ := body["tools"].([]any)
	require.Len(t, tools, 1)

	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, "tool_calls", resp.FinishReason.Reason)
	assert.Equal(t, 17, resp.Usage.TotalTokens)
	calls := resp.ToolCallsFromResponse()
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.JSONEq(t, `{"path":"a.go"}`, string(calls[0].Arguments))
}

func TestOpenAIAdapterToolHistory(t *testing.T) {
	var body struct {
		Messages []struct {
			Role       string `json:"role"`
			ToolCallID string `json:"tool_call_id"`
			ToolCalls  []struct {
				ID string `json:"id"`
			} `json:"tool_calls"`
		} `json:"messages"`
	}
	adapter := newOpenAITestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fmt.Fprint(w, `{"id":"x","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"done"},"finish_reason":"stop"}]}`)
	})

	assistant := Message{Role: RoleAssistant, Content: []ContentPart{
		ToolCallPart("call_9", "shell", json.RawMessage(`{"command":"ls"}`)),
	}}
	resp, err := adapter.Complete(context.Background(), Request{Messages: []Message{
		UserMessage("list"),
		assistant,
		ToolResultMessage("call_9", "a.go", false),
	}})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Text())

	require.Len(t, body.Messages, 3)
	assert.Equal(t, "assistant", body.Messages[1].Role)
	require.Len(t, body.Messages[1].ToolCalls, 1)
	assert.Equal(t, "call_9", body.Messages[1].ToolCalls[0].ID)
	assert.Equal(t, "tool", body.Messages[2].Role)
	assert.Equal(t, "call_9", body.Messages[2].ToolCallID)
}

func TestOpenAIAdapterRateLimitError(t *testing.T) {
	adapter := newOpenAITestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`)
	})

	_, err := adapter.Complete(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl), "expected RateLimitError, got %T: %v", err, err)
	assert.Equal(t, 429, rl.StatusCode)
	assert.Equal(t, ClassTransient, Classify(err))
}

func TestOpenAIAdapterContextOverflowError(t *testing.T) {
	adapter := newOpenAITestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"This model's maximum context length is 8192 tokens","type":"invalid_request_error","code":"context_length_exceeded"}}`)
	})

	_, err := adapter.Complete(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	require.Error(t, err)
	assert.True(t, IsContextOverflow(err))
}

func TestOpenAIAdapterStream(t *testing.T) {
	chunks := []string{
		`{"id":"c","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"Look"}}]}`,
		`{"id":"c","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"read_file","arguments":"{\"pa"}}]}}]}`,
		`{"id":"c","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"th\":\"a.go\"}"}}]}}]}`,
		`{"id":"c","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"id":"c","object":"chat.completion.chunk","model":"gpt-4o","choices":[],"usage":{"prompt_tokens":4,"completion_tokens":6,"total_tokens":10}}`,
	}
	adapter := newOpenAITestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	ch, err := adapter.Stream(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	require.NoError(t, err)

	acc := NewStreamAccumulator()
	var types []StreamEventType
	for ev := range ch {
		types = append(types, ev.Type)
		acc.Add(ev)
	}
	require.NoError(t, acc.Err())
	assert.Equal(t, []StreamEventType{StreamStart, TextDelta, ToolCallStart, ToolCallDelta, StreamFinish}, types)

	resp := acc.Response()
	assert.Equal(t, "Look", resp.Text())
	assert.Equal(t, "tool_calls", resp.FinishReason.Reason)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
	calls := resp.ToolCallsFromResponse()
	require.Len(t, calls, 1)
	assert.Equal(t, "read_file", calls[0].Name)
	assert.JSONEq(t, `{"path":"a.go"}`, string(calls[0].Arguments))
}

func TestMapFinishReason(t *testing.T) {
	assert.Equal(t, "stop", mapFinishReason("").Reason)
	assert.Equal(t, "tool_calls", mapFinishReason("function_call").Reason)
	assert.Equal(t, "length", mapFinishReason("length").Reason)
	assert.Equal(t, "other", mapFinishReason("weird").Reason)
}
