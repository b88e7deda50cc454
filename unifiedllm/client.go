package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Middleware wraps a provider call. It receives the request and a next function
// that calls the downstream handler, and returns the response.
type Middleware func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error)

// StreamMiddleware wraps a streaming provider call.
type StreamMiddleware func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error)

// Client routes requests to provider adapters. Every call passes through the
// provider's rate limiter and the retry policy; when a fallback chain is
// configured and the request names no model, the chain picks the model and
// moves on when one keeps failing. Errors leaving the client are sanitized.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
	streamMW        []StreamMiddleware
	retry           RetryPolicy
	limits          map[string]RateLimitConfig
	limiters        map[string]*RateLimiter
	fallback        *FallbackChain
	onFallback      func(FallbackEvent)
	logger          *slog.Logger
	mu              sync.RWMutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a provider adapter.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		c.providers[name] = adapter
	}
}

// WithDefaultProvider sets the default provider name.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithMiddleware adds middleware to the client.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

// WithStreamMiddleware adds stream middleware to the client.
func WithStreamMiddleware(mw ...StreamMiddleware) ClientOption {
	return func(c *Client) {
		c.streamMW = append(c.streamMW, mw...)
	}
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) {
		c.retry = p
	}
}

// WithRateLimit sets the limits for one provider. Providers without an
// explicit entry use RateLimitPreset(name).
func WithRateLimit(provider string, cfg RateLimitConfig) ClientOption {
	return func(c *Client) {
		c.limits[provider] = cfg
	}
}

// WithFallbackChain enables model fallback for requests with no model.
func WithFallbackChain(chain *FallbackChain) ClientOption {
	return func(c *Client) {
		c.fallback = chain
	}
}

// WithFallbackObserver registers a callback invoked on every model switch.
func WithFallbackObserver(fn func(FallbackEvent)) ClientOption {
	return func(c *Client) {
		c.onFallback = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a new Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers: make(map[string]ProviderAdapter),
		retry:     DefaultRetryPolicy(),
		limits:    make(map[string]RateLimitConfig),
		limiters:  make(map[string]*RateLimiter),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	// If no default and exactly one provider, use it.
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// RegisterProvider adds a provider adapter to the client.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

// Fallback returns the configured fallback chain, or nil.
func (c *Client) Fallback() *FallbackChain { return c.fallback }

func (c *Client) adapter(name string) (ProviderAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	return adapter, nil
}

// resolveProvider determines which provider adapter to use for a request.
func (c *Client) resolveProvider(req Request) (ProviderAdapter, error) {
	name := req.Provider
	if name == "" {
		c.mu.RLock()
		name = c.defaultProvider
		c.mu.RUnlock()
	}
	if name == "" {
		if info := GetModelInfo(req.Model); info != nil {
			name = info.Provider
		}
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "no provider specified and no default provider configured",
		}}
	}
	return c.adapter(name)
}

func (c *Client) limiter(provider string) *RateLimiter {
	c.mu.RLock()
	rl, ok := c.limiters[provider]
	c.mu.RUnlock()
	if ok {
		return rl
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if rl, ok := c.limiters[provider]; ok {
		return rl
	}
	cfg, ok := c.limits[provider]
	if !ok {
		cfg = RateLimitPreset(provider)
	}
	rl = NewRateLimiter(provider, cfg)
	c.limiters[provider] = rl
	return rl
}

// Chat sends a blocking request and returns the full response.
func (c *Client) Chat(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "unifiedllm.chat", trace.WithAttributes(
		attribute.String("llm.provider", req.Provider),
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.messages", len(req.Messages)),
	))
	defer span.End()

	resp, err := invoke(ctx, c, req, c.complete)
	if err != nil {
		err = SanitizeError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("llm.response_model", resp.Model),
		attribute.Int("llm.input_tokens", resp.Usage.InputTokens),
		attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
	)
	return resp, nil
}

// ChatStream sends a streaming request. Only failures before the stream
// opens are retried; errors inside the stream arrive as StreamError events.
func (c *Client) ChatStream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	ctx, span := tracer.Start(ctx, "unifiedllm.chat_stream", trace.WithAttributes(
		attribute.String("llm.provider", req.Provider),
		attribute.String("llm.model", req.Model),
	))

	ch, err := invoke(ctx, c, req, c.stream)
	if err != nil {
		err = SanitizeError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}
	return traceStream(ctx, ch, span), nil
}

// traceStream forwards events unchanged and ends span once the source closes.
func traceStream(ctx context.Context, in <-chan StreamEvent, span trace.Span) <-chan StreamEvent {
	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		defer span.End()
		for ev := range in {
			switch ev.Type {
			case StreamError:
				if ev.Error != nil {
					err := SanitizeError(ev.Error)
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
				}
			case StreamFinish:
				if ev.Usage != nil {
					span.SetAttributes(
						attribute.Int("llm.input_tokens", ev.Usage.InputTokens),
						attribute.Int("llm.output_tokens", ev.Usage.OutputTokens),
					)
				}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				span.SetStatus(codes.Error, ctx.Err().Error())
				return
			}
		}
	}()
	return out
}

func (c *Client) complete(ctx context.Context, adapter ProviderAdapter, req Request, release func()) (*Response, error) {
	defer release()
	handler := func(ctx context.Context, r Request) (*Response, error) {
		return adapter.Complete(ctx, r)
	}
	// Apply middleware in reverse order so first registered runs first.
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw := c.middleware[i]
		next := handler
		handler = func(ctx context.Context, r Request) (*Response, error) {
			return mw(ctx, r, next)
		}
	}
	resp, err := handler(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Provider == "" {
		resp.Provider = adapter.Name()
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return resp, nil
}

func (c *Client) stream(ctx context.Context, adapter ProviderAdapter, req Request, release func()) (<-chan StreamEvent, error) {
	handler := func(ctx context.Context, r Request) (<-chan StreamEvent, error) {
		return adapter.Stream(ctx, r)
	}
	for i := len(c.streamMW) - 1; i >= 0; i-- {
		mw := c.streamMW[i]
		next := handler
		handler = func(ctx context.Context, r Request) (<-chan StreamEvent, error) {
			return mw(ctx, r, next)
		}
	}
	in, err := handler(ctx, req)
	if err != nil {
		release()
		return nil, err
	}

	out := make(chan StreamEvent, cap(in))
	go func() {
		defer close(out)
		defer release()
		for ev := range in {
			if ev.Type == StreamError {
				ev.Error = SanitizeError(ev.Error)
			}
			if ev.Type == StreamFinish && ev.Response != nil {
				if ev.Response.Model == "" {
					ev.Response.Model = req.Model
				}
				if ev.Response.Provider == "" {
					ev.Response.Provider = adapter.Name()
				}
			}
			out <- ev
		}
	}()
	return out, nil
}

// attempt runs one rate-limited call and records metrics. call must invoke
// release exactly once when the provider is no longer in use.
func attempt[T any](ctx context.Context, c *Client, adapter ProviderAdapter, req Request, call func(context.Context, ProviderAdapter, Request, func()) (T, error)) (T, error) {
	var zero T
	if err := checkToolChoice(adapter, req); err != nil {
		return zero, err
	}
	release, err := c.limiter(adapter.Name()).Acquire(ctx)
	if err != nil {
		return zero, err
	}
	start := time.Now()
	res, err := call(ctx, adapter, req, release)
	status := "ok"
	if err != nil {
		status = "error"
	}
	providerRequestsTotal.WithLabelValues(adapter.Name(), req.Model, status).Inc()
	providerRequestDuration.WithLabelValues(adapter.Name(), req.Model).Observe(time.Since(start).Seconds())
	return res, err
}

// checkToolChoice rejects a tool choice the adapter says it cannot honor.
// Adapters that do not report support are trusted.
func checkToolChoice(adapter ProviderAdapter, req Request) error {
	if req.ToolChoice == nil || len(req.Tools) == 0 {
		return nil
	}
	s, ok := adapter.(ToolChoiceSupporter)
	if !ok || s.SupportsToolChoice(req.ToolChoice.Mode) {
		return nil
	}
	return &ConfigurationError{SDKError: SDKError{
		Message: fmt.Sprintf("provider %s does not support tool choice %q", adapter.Name(), req.ToolChoice.Mode),
	}}
}

func invoke[T any](ctx context.Context, c *Client, req Request, call func(context.Context, ProviderAdapter, Request, func()) (T, error)) (T, error) {
	if c.fallback != nil && c.fallback.Len() > 0 && req.Model == "" {
		return invokeWithFallback(ctx, c, req, call)
	}

	var zero T
	adapter, err := c.resolveProvider(req)
	if err != nil {
		return zero, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}

	policy := c.retry
	userOnRetry := policy.OnRetry
	policy.OnRetry = func(err error, n int, delay time.Duration) {
		providerRetriesTotal.WithLabelValues(adapter.Name(), string(Classify(err))).Inc()
		c.logger.Warn("retrying provider request",
			"provider", adapter.Name(), "attempt", n, "delay", delay, "error", Sanitize(err.Error()))
		if userOnRetry != nil {
			userOnRetry(err, n, delay)
		}
	}
	return Retry(ctx, policy, func(ctx context.Context) (T, error) {
		return attempt(ctx, c, adapter, req, call)
	})
}

func invokeWithFallback[T any](ctx context.Context, c *Client, req Request, call func(context.Context, ProviderAdapter, Request, func()) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	chain := c.fallback
	size := EstimateRequestTokens(req)
	state := newRetryState(c.retry)

	model, ok := chain.NextAvailable(size)
	for {
		if !ok {
			if lastErr != nil {
				return zero, fmt.Errorf("%w: %w", ErrNoAvailableModel, lastErr)
			}
			return zero, ErrNoAvailableModel
		}
		adapter, err := c.adapter(model.Provider)
		if err != nil {
			return zero, err
		}
		r := req
		r.Model, r.Provider = model.ID, model.Provider

		res, err := attempt(ctx, c, adapter, r, call)
		if err == nil {
			chain.RecordSuccess(model.ID)
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: ctx.Err()}}
		}
		if Classify(err) == ClassPermanent {
			return zero, err
		}

		reason := ReasonFromError(err)
		next, switched, found := chain.RecordFailure(model.ID, reason)
		if !switched {
			if !found {
				ok = false
				continue
			}
			delay, retry := state.next(err)
			if retry {
				providerRetriesTotal.WithLabelValues(model.Provider, string(Classify(err))).Inc()
				c.logger.Warn("retrying provider request",
					"provider", model.Provider, "model", model.ID, "delay", delay, "error", Sanitize(err.Error()))
				if serr := sleepCtx(ctx, delay); serr != nil {
					return zero, serr
				}
				continue
			}
			next, switched = chain.ForceFallback(reason)
			if !switched {
				return zero, err
			}
		}

		ev := FallbackEvent{From: model.ID, To: next.ID, Reason: reason, Timestamp: time.Now()}
		fallbackSwitchesTotal.WithLabelValues(ev.From, ev.To, string(reason)).Inc()
		c.logger.Warn("falling back to next model", "from", ev.From, "to", ev.To, "reason", reason)
		if c.onFallback != nil {
			c.onFallback(ev)
		}
		state.retries, state.unknown = 0, 0
		model, ok = next, true
	}
}

// EstimateRequestTokens approximates request size at four characters per
// token, for routing decisions only.
func EstimateRequestTokens(req Request) int {
	chars := 0
	for _, m := range req.Messages {
		for _, p := range m.Content {
			chars += len(p.Text)
			if p.ToolCall != nil {
				chars += len(p.ToolCall.Name) + len(p.ToolCall.Arguments)
			}
			if p.ToolResult != nil {
				chars += len(p.ToolResult.Content)
			}
		}
	}
	if len(req.Tools) > 0 {
		if b, err := json.Marshal(req.Tools); err == nil {
			chars += len(b)
		}
	}
	return (chars + 3) / 4
}

// Close releases resources held by all registered providers.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var errs []error
	for _, adapter := range c.providers {
		if closer, ok := adapter.(Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// NewClientFromEnv registers an adapter for every provider whose API key is
// present in the environment.
func NewClientFromEnv(opts ...ClientOption) *Client {
	c := NewClient(opts...)
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.RegisterProvider("openai", NewOpenAIAdapter(key))
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		if adapter, err := NewGollmAdapter("anthropic", key); err == nil {
			c.RegisterProvider("anthropic", adapter)
		} else {
			c.logger.Warn("anthropic adapter unavailable", "error", err)
		}
	}
	return c
}
