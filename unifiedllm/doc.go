// Package unifiedllm presents a provider-agnostic chat client to the agent
// loop.
//
// # Architecture
//
// The package is layered:
//
//   - Provider adapters: ProviderAdapter with OpenAIAdapter (go-openai,
//     native tool calling) and GollmAdapter (gollm, prompt-encoded tools)
//   - Resilience: error classification, retry with backoff, per-provider
//     rate limiting and a model fallback chain
//   - Client: provider routing, middleware, metrics, tracing and error
//     sanitization
//
// # Quick Start
//
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("openai", unifiedllm.NewOpenAIAdapter(os.Getenv("OPENAI_API_KEY"))),
//	)
//	resp, err := client.Chat(ctx, unifiedllm.Request{
//	    Model:    "gpt-4o",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//
// # Errors
//
// Every failure is classified as transient, permanent or unknown. Transient
// errors are retried up to RetryPolicy.MaxRetries, unknown errors at most
// MaxUnknownRetries times, permanent errors never. Messages leaving the
// Client have credentials redacted and are bounded in length.
//
// # Fallback
//
// When a FallbackChain is configured and a request names no model, the
// chain picks the model. A model that fails MaxRetries times in a row cools
// down and the next available model takes over.
package unifiedllm
