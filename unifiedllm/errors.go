package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/martinemde/sage/agenterr"
)

// SDKError is the base error type for all unified LLM errors.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

// ErrorKind implements agenterr.Kinded.
func (e *SDKError) ErrorKind() agenterr.Kind { return agenterr.KindProvider }

// ProviderError represents an error returned by an LLM provider.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	ErrorCode  string
	RetryAfter *float64
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d)", e.Provider, e.Message, e.StatusCode)
}

// Concrete provider error types.

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type NotFoundError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContentFilterError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }
type QuotaExceededError struct{ ProviderError }

// Non-provider errors.

type RequestTimeoutError struct{ SDKError }
type AbortError struct{ SDKError }
type NetworkError struct{ SDKError }
type ConfigurationError struct{ SDKError }

func (e *RequestTimeoutError) ErrorKind() agenterr.Kind { return agenterr.KindTimeout }
func (e *AbortError) ErrorKind() agenterr.Kind          { return agenterr.KindCancelled }
func (e *ConfigurationError) ErrorKind() agenterr.Kind  { return agenterr.KindConfig }

// ErrorFromStatusCode maps an HTTP status code to the appropriate error type.
func ErrorFromStatusCode(statusCode int, message, provider, errorCode string, retryAfter *float64) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		RetryAfter: retryAfter,
	}

	switch statusCode {
	case 400, 422:
		if looksLikeContextOverflow(message) || looksLikeContextOverflow(errorCode) {
			return &ContextLengthError{ProviderError: pe}
		}
		return &InvalidRequestError{ProviderError: pe}
	case 401:
		return &AuthenticationError{ProviderError: pe}
	case 402:
		return &QuotaExceededError{ProviderError: pe}
	case 403:
		return &AccessDeniedError{ProviderError: pe}
	case 404:
		return &NotFoundError{ProviderError: pe}
	case 408:
		return &RequestTimeoutError{SDKError: SDKError{Message: message}}
	case 413:
		return &ContextLengthError{ProviderError: pe}
	case 429:
		return &RateLimitError{ProviderError: pe}
	case 500, 502, 503, 504, 529:
		return &ServerError{ProviderError: pe}
	default:
		return &pe
	}
}

// ErrorClass groups errors by retry treatment.
type ErrorClass string

const (
	// ClassTransient errors are retried up to the policy's limit.
	ClassTransient ErrorClass = "transient"
	// ClassPermanent errors are never retried.
	ClassPermanent ErrorClass = "permanent"
	// ClassUnknown errors get a bounded number of retries.
	ClassUnknown ErrorClass = "unknown"
)

var (
	transientMarkers = []string{
		"connection reset", "connection refused", "broken pipe", "eof",
		"rate limit", "rate_limit", "overloaded", "timeout", "timed out",
		"temporarily unavailable", "service unavailable", "bad gateway",
	}
	permanentMarkers = []string{
		"invalid", "json", "parse", "unmarshal", "unauthorized", "forbidden",
		"permission denied", "not found", "unsupported",
	}
	contextOverflowMarkers = []string{
		"context length", "context_length", "context window", "maximum context",
		"too many tokens", "prompt is too long",
	}
)

func looksLikeContextOverflow(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range contextOverflowMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Classify decides how a failed provider call should be retried. Typed
// errors are classified by type and status code; anything else falls back
// to message inspection.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassPermanent
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}

	var (
		rateLimit  *RateLimitError
		server     *ServerError
		network    *NetworkError
		reqTimeout *RequestTimeoutError
		abort      *AbortError
		auth       *AuthenticationError
		denied     *AccessDeniedError
		notFound   *NotFoundError
		invalid    *InvalidRequestError
		ctxLen     *ContextLengthError
		filter     *ContentFilterError
		quota      *QuotaExceededError
		config     *ConfigurationError
		provider   *ProviderError
	)
	switch {
	case errors.As(err, &rateLimit), errors.As(err, &network), errors.As(err, &reqTimeout):
		return ClassTransient
	case errors.As(err, &server):
		switch server.StatusCode {
		case 502, 503, 504, 529:
			return ClassTransient
		}
		return ClassUnknown
	case errors.As(err, &abort), errors.As(err, &auth), errors.As(err, &denied),
		errors.As(err, &notFound), errors.As(err, &invalid), errors.As(err, &ctxLen),
		errors.As(err, &filter), errors.As(err, &quota), errors.As(err, &config):
		return ClassPermanent
	case errors.As(err, &provider):
		switch provider.StatusCode {
		case 429, 502, 503, 504:
			return ClassTransient
		case 400, 401, 403, 404, 413, 422:
			return ClassPermanent
		}
	}
	return classifyMessage(err.Error())
}

func classifyMessage(msg string) ErrorClass {
	lower := strings.ToLower(msg)
	if looksLikeContextOverflow(lower) {
		return ClassPermanent
	}
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return ClassTransient
		}
	}
	for _, m := range permanentMarkers {
		if strings.Contains(lower, m) {
			return ClassPermanent
		}
	}
	return ClassUnknown
}

// IsRetryable returns true if the error may be retried at all.
func IsRetryable(err error) bool {
	return err != nil && Classify(err) != ClassPermanent
}

// IsContextOverflow reports whether err means the request exceeded the
// model's context window.
func IsContextOverflow(err error) bool {
	var ctxLen *ContextLengthError
	if errors.As(err, &ctxLen) {
		return true
	}
	return err != nil && looksLikeContextOverflow(err.Error())
}
