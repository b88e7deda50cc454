// Package agenterr defines the behavioral error kinds shared by every layer
// of the agent: configuration, provider, tool, cancellation, timeout,
// not-found and sandbox failures.
//
// Packages keep their own concrete error types. They participate in the
// taxonomy by implementing Kinded, which KindOf discovers through the wrap
// chain.
package agenterr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is a behavioral error category.
type Kind string

const (
	KindConfig    Kind = "config"
	KindProvider  Kind = "provider"
	KindTool      Kind = "tool"
	KindCancelled Kind = "cancelled"
	KindTimeout   Kind = "timeout"
	KindNotFound  Kind = "not_found"
	KindSandbox   Kind = "sandbox"
	KindUnknown   Kind = "unknown"
)

// Kinded is implemented by errors that know their own Kind.
type Kinded interface {
	ErrorKind() Kind
}

// Error is a generic kinded error with optional structured detail.
type Error struct {
	Kind      Kind
	Op        string
	Message   string
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	if e.Message != "" {
		sb.WriteString(e.Message)
	} else {
		sb.WriteString(string(e.Kind))
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind implements Kinded.
func (e *Error) ErrorKind() Kind { return e.Kind }

// Is reports whether target is a bare *Error of the same kind, so sentinel
// values like ErrCancelled match any error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is checks by kind.
var (
	ErrConfig    = &Error{Kind: KindConfig}
	ErrProvider  = &Error{Kind: KindProvider}
	ErrTool      = &Error{Kind: KindTool}
	ErrCancelled = &Error{Kind: KindCancelled}
	ErrTimeout   = &Error{Kind: KindTimeout}
	ErrNotFound  = &Error{Kind: KindNotFound}
	ErrSandbox   = &Error{Kind: KindSandbox}
)

// New creates a kinded error.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. It returns nil when err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the behavioral kind of err. Explicit kinds win over
// context errors so that a tool reporting KindTimeout keeps that kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindUnknown
}

// IsKind reports whether err is of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FirstLine returns the first line of err's message, for one-line
// user-facing summaries.
func FirstLine(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return strings.TrimSpace(msg)
}
