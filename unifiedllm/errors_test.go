package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/martinemde/sage/agenterr"
)

func TestErrorFromStatusCode(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
		name   string
	}{
		{400, func(e error) bool { _, ok := e.(*InvalidRequestError); return ok }, "InvalidRequestError"},
		{401, func(e error) bool { _, ok := e.(*AuthenticationError); return ok }, "AuthenticationError"},
		{403, func(e error) bool { _, ok := e.(*AccessDeniedError); return ok }, "AccessDeniedError"},
		{404, func(e error) bool { _, ok := e.(*NotFoundError); return ok }, "NotFoundError"},
		{408, func(e error) bool { _, ok := e.(*RequestTimeoutError); return ok }, "RequestTimeoutError"},
		{413, func(e error) bool { _, ok := e.(*ContextLengthError); return ok }, "ContextLengthError"},
		{429, func(e error) bool { _, ok := e.(*RateLimitError); return ok }, "RateLimitError"},
		{503, func(e error) bool { _, ok := e.(*ServerError); return ok }, "ServerError"},
		{418, func(e error) bool { _, ok := e.(*ProviderError); return ok }, "ProviderError"},
	}
	for _, tt := range tests {
		err := ErrorFromStatusCode(tt.status, "msg", "openai", "", nil)
		if !tt.check(err) {
			t.Errorf("status %d: expected %s, got %T", tt.status, tt.name, err)
		}
	}
}

func TestErrorFromStatusCodeContextOverflow(t *testing.T) {
	err := ErrorFromStatusCode(400, "This model's maximum context length is 8192 tokens", "openai", "context_length_exceeded", nil)
	if !IsContextOverflow(err) {
		t.Errorf("expected context overflow, got %T", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"429", ErrorFromStatusCode(429, "slow down", "p", "", nil), ClassTransient},
		{"502", ErrorFromStatusCode(502, "bad gateway", "p", "", nil), ClassTransient},
		{"503", ErrorFromStatusCode(503, "unavailable", "p", "", nil), ClassTransient},
		{"504", ErrorFromStatusCode(504, "gateway timeout", "p", "", nil), ClassTransient},
		{"500 is unknown", ErrorFromStatusCode(500, "oops", "p", "", nil), ClassUnknown},
		{"401", ErrorFromStatusCode(401, "no", "p", "", nil), ClassPermanent},
		{"400", ErrorFromStatusCode(400, "bad", "p", "", nil), ClassPermanent},
		{"context overflow", ErrorFromStatusCode(413, "too big", "p", "", nil), ClassPermanent},
		{"network", &NetworkError{SDKError: SDKError{Message: "dial"}}, ClassTransient},
		{"wrapped transient", fmt.Errorf("call: %w", ErrorFromStatusCode(429, "x", "p", "", nil)), ClassTransient},
		{"connection reset text", errors.New("read tcp: connection reset by peer"), ClassTransient},
		{"overloaded text", errors.New("model overloaded"), ClassTransient},
		{"json text", errors.New("failed to parse json body"), ClassPermanent},
		{"context length text", errors.New("context length exceeded, request timed out"), ClassPermanent},
		{"cancelled", context.Canceled, ClassPermanent},
		{"unknown", errors.New("weird"), ClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
	if !IsRetryable(ErrorFromStatusCode(429, "x", "p", "", nil)) {
		t.Error("429 should be retryable")
	}
	if IsRetryable(ErrorFromStatusCode(401, "x", "p", "", nil)) {
		t.Error("401 should not be retryable")
	}
}

func TestErrorKinds(t *testing.T) {
	if k := agenterr.KindOf(ErrorFromStatusCode(503, "x", "p", "", nil)); k != agenterr.KindProvider {
		t.Errorf("expected provider kind, got %s", k)
	}
	if k := agenterr.KindOf(&RequestTimeoutError{}); k != agenterr.KindTimeout {
		t.Errorf("expected timeout kind, got %s", k)
	}
	if k := agenterr.KindOf(&AbortError{}); k != agenterr.KindCancelled {
		t.Errorf("expected cancelled kind, got %s", k)
	}
	if k := agenterr.KindOf(&ConfigurationError{}); k != agenterr.KindConfig {
		t.Errorf("expected config kind, got %s", k)
	}
}

func TestSDKErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &SDKError{Message: "wrapper", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
}

func TestProviderErrorMessage(t *testing.T) {
	err := ErrorFromStatusCode(429, "Rate limit exceeded", "anthropic", "rate_limit", nil)
	want := "[anthropic] Rate limit exceeded (status=429)"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}
