package agentloop

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/martinemde/sage/permission"
)

// InputCapacity is the number of requests an InputChannel buffers.
const InputCapacity = 16

// ErrInputClosed is returned by Ask once the channel is closed.
var ErrInputClosed = errors.New("agentloop: input channel closed")

// InputKind says what an input request is for.
type InputKind string

const (
	InputQuestion   InputKind = "question"
	InputPermission InputKind = "permission"
)

// InputRequest is a question for the user.
type InputRequest struct {
	ID      string    `json:"id"`
	Kind    InputKind `json:"kind"`
	Prompt  string    `json:"prompt"`
	Options []string  `json:"options,omitempty"`
	Multi   bool      `json:"multi,omitempty"`
}

// InputResponse is the user's answer. Cancelled means the user dismissed
// the question.
type InputResponse struct {
	ID         string   `json:"id"`
	Selections []string `json:"selections,omitempty"`
	Text       string   `json:"text,omitempty"`
	Cancelled  bool     `json:"cancelled,omitempty"`
}

// Answer returns the response as one string: the text, or the selections
// joined with ", ".
func (r InputResponse) Answer() string {
	if r.Text != "" {
		return r.Text
	}
	return strings.Join(r.Selections, ", ")
}

// PendingInput is a request waiting for its response.
type PendingInput struct {
	Request InputRequest
	reply   chan InputResponse
}

// Respond answers the request. Only the first call has an effect.
func (p PendingInput) Respond(r InputResponse) {
	r.ID = p.Request.ID
	select {
	case p.reply <- r:
	default:
	}
}

// InputChannel is the bounded request/response channel between the loop
// and a UI. The UI reads Requests and answers each one; closing the
// channel tells the loop that no more answers will come.
type InputChannel struct {
	requests chan PendingInput
	done     chan struct{}
	once     sync.Once
}

// NewInputChannel creates an open channel.
func NewInputChannel() *InputChannel {
	return &InputChannel{
		requests: make(chan PendingInput, InputCapacity),
		done:     make(chan struct{}),
	}
}

// Requests delivers pending questions to the UI.
func (c *InputChannel) Requests() <-chan PendingInput { return c.requests }

// Done is closed when the channel is closed.
func (c *InputChannel) Done() <-chan struct{} { return c.done }

// Close marks the channel closed and fails current and future Asks.
func (c *InputChannel) Close() {
	c.once.Do(func() { close(c.done) })
}

// Ask sends req and blocks for the answer. It fails with ErrInputClosed
// when the channel is closed, or with the context error.
func (c *InputChannel) Ask(ctx context.Context, req InputRequest) (InputResponse, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	select {
	case <-c.done:
		return InputResponse{}, ErrInputClosed
	default:
	}

	p := PendingInput{Request: req, reply: make(chan InputResponse, 1)}
	select {
	case c.requests <- p:
	case <-c.done:
		return InputResponse{}, ErrInputClosed
	case <-ctx.Done():
		return InputResponse{}, ctx.Err()
	}

	select {
	case r := <-p.reply:
		return r, nil
	case <-c.done:
		return InputResponse{}, ErrInputClosed
	case <-ctx.Done():
		return InputResponse{}, ctx.Err()
	}
}

var permissionOptions = []string{"yes", "always", "no", "never"}

// Prompter adapts the channel to permission questions. A closed channel
// or dismissed question denies once.
func (c *InputChannel) Prompter() permission.Prompter {
	return permission.PrompterFunc(func(ctx context.Context, req permission.Request, d permission.Decision) (permission.Answer, error) {
		resp, err := c.Ask(ctx, InputRequest{
			Kind:    InputPermission,
			Prompt:  d.Question,
			Options: permissionOptions,
		})
		if errors.Is(err, ErrInputClosed) {
			return permission.DenyOnce, nil
		}
		if err != nil {
			return permission.DenyOnce, err
		}
		if resp.Cancelled {
			return permission.DenyOnce, nil
		}
		return permission.ParseAnswer(resp.Answer(), d.Default), nil
	})
}
