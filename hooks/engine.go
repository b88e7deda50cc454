package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/martinemde/sage/agenterr"
	"github.com/martinemde/sage/sandbox"
	"github.com/martinemde/sage/unifiedllm"
)

// ReasonTimeout is reported when a blocking hook runs out of time.
const ReasonTimeout = "hook_timeout"

// ChatClient evaluates prompt hooks.
type ChatClient interface {
	Chat(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error)
}

// Result aggregates the hooks that ran for one event.
type Result struct {
	Continue           bool
	Denied             bool
	Reason             string
	DeniedBy           string
	ModifiedInput      json.RawMessage
	PermissionDecision PermissionDecision
	AdditionalContext  []string
	SystemMessages     []string
	Ran                int
}

// Option configures an Engine.
type Option func(*Engine)

// WithSandbox sets the sandbox that runs command hooks.
func WithSandbox(s *sandbox.Sandbox) Option {
	return func(e *Engine) { e.sandbox = s }
}

// WithChatClient sets the client for prompt hooks.
func WithChatClient(c ChatClient) Option {
	return func(e *Engine) { e.chat = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine dispatches events to hooks in registration order.
type Engine struct {
	mu      sync.RWMutex
	hooks   []Hook
	sandbox *sandbox.Sandbox
	chat    ChatClient
	logger  *slog.Logger
}

// NewEngine creates an engine with the given hooks.
func NewEngine(hooks []Hook, opts ...Option) *Engine {
	e := &Engine{hooks: append([]Hook(nil), hooks...), logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	if e.sandbox == nil {
		e.sandbox = sandbox.New(sandbox.WithLogger(e.logger))
	}
	return e
}

// Register appends a hook.
func (e *Engine) Register(h Hook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, h)
}

// Replace swaps the whole hook list.
func (e *Engine) Replace(hooks []Hook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append([]Hook(nil), hooks...)
}

// Matching returns the enabled hooks for event whose matcher accepts query.
func (e *Engine) Matching(event Event, query string) []Hook {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Hook
	for _, h := range e.hooks {
		if h.Disabled || h.Event != event {
			continue
		}
		if Matches(h.Matcher, query) {
			out = append(out, h)
		}
	}
	return out
}

// Run executes the matching hooks for in.Event. The tool name is the
// match query. A modify rewrites in.ToolInput for the hooks that follow.
// The first denial stops the run. The returned error is non-nil only when
// ctx ends.
func (e *Engine) Run(ctx context.Context, in Input) (Result, error) {
	res := Result{Continue: true}
	hooks := e.Matching(in.Event, in.ToolName)
	if len(hooks) == 0 {
		return res, nil
	}
	if in.Metadata == nil {
		in.Metadata = map[string]any{}
	}

	for _, h := range hooks {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		out, err := e.runHook(ctx, h, in)
		res.Ran++
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			if errors.Is(err, errHookTimeout) {
				if h.Blocking {
					e.logger.Warn("blocking hook timed out", "hook", h.Name, "event", in.Event)
					out = Deny(ReasonTimeout)
				} else {
					e.logger.Warn("hook timed out, ignoring", "hook", h.Name, "event", in.Event)
					continue
				}
			} else {
				e.logger.Warn("hook failed", "hook", h.Name, "event", in.Event, "error", err)
				out = Deny(agenterr.FirstLine(err))
			}
		}

		res.AdditionalContext = append(res.AdditionalContext, out.AdditionalContext...)
		if out.SystemMessage != "" {
			res.SystemMessages = append(res.SystemMessages, out.SystemMessage)
		}
		if out.Denies() {
			res.Continue = false
			res.Denied = true
			res.DeniedBy = h.Name
			res.Reason = out.Reason
			if res.Reason == "" {
				res.Reason = "denied by hook " + h.Name
			}
			res.PermissionDecision = DecisionDeny
			e.logger.Info("hook denied", "hook", h.Name, "event", in.Event, "tool", in.ToolName, "reason", res.Reason)
			return res, nil
		}
		if len(out.ModifiedInput) > 0 && string(out.ModifiedInput) != "null" {
			in.ToolInput = out.ModifiedInput
			res.ModifiedInput = out.ModifiedInput
			e.logger.Debug("hook modified input", "hook", h.Name, "tool", in.ToolName)
		}
		if out.PermissionDecision != "" {
			res.PermissionDecision = out.PermissionDecision
		}
		if out.Reason != "" {
			res.Reason = out.Reason
		}
	}
	return res, nil
}

var errHookTimeout = errors.New("hook timed out")

func (e *Engine) runHook(ctx context.Context, h Hook, in Input) (Output, error) {
	switch h.Type {
	case KindCommand:
		return e.runCommand(ctx, h, in)
	case KindPrompt:
		return e.runPrompt(ctx, h, in)
	}
	return Output{}, fmt.Errorf("hook %s: unknown type %q", h.Name, h.Type)
}

func (e *Engine) runCommand(ctx context.Context, h Hook, in Input) (Output, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return Output{}, fmt.Errorf("encode hook input: %w", err)
	}
	env := map[string]string{"SAGE_HOOK_EVENT": string(in.Event)}
	for k, v := range h.Env {
		env[k] = v
	}
	dir := h.Dir
	if dir == "" {
		dir = in.Cwd
	}
	limits := e.sandbox.Limits()
	limits.MaxWallTime = h.timeout()

	exec, err := e.sandbox.ExecuteShell(ctx, h.Command, sandbox.Command{
		Dir:    dir,
		Env:    env,
		Stdin:  string(payload),
		Limits: &limits,
	})
	if err != nil {
		return Output{}, err
	}
	switch {
	case exec.Cancelled:
		return Output{}, context.Canceled
	case exec.TimedOut:
		return Output{}, errHookTimeout
	case exec.ExitCode != 0:
		reason := strings.TrimSpace(exec.Stderr)
		if reason == "" {
			reason = fmt.Sprintf("hook %s exited with status %d", h.Name, exec.ExitCode)
		}
		return Output{Continue: false, Reason: reason}, nil
	}
	return ParseOutput(exec.Stdout), nil
}

const promptHookSystem = `You are a policy hook for a coding agent. Reply with a single JSON object:
{"continue": true|false, "reason": "...", "permission_decision": "allow"|"deny"|"ask"}`

func (e *Engine) runPrompt(ctx context.Context, h Hook, in Input) (Output, error) {
	if e.chat == nil {
		return Output{}, fmt.Errorf("hook %s: no model client for prompt hooks", h.Name)
	}
	args, err := json.Marshal(in)
	if err != nil {
		return Output{}, fmt.Errorf("encode hook input: %w", err)
	}
	system := h.System
	if system == "" {
		system = promptHookSystem
	}

	cctx, cancel := context.WithTimeout(ctx, h.timeout())
	defer cancel()
	start := time.Now()
	resp, err := e.chat.Chat(cctx, unifiedllm.Request{
		Model: h.Model,
		Messages: []unifiedllm.Message{
			unifiedllm.SystemMessage(system),
			unifiedllm.UserMessage(RenderPrompt(h.Prompt, string(args))),
		},
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return Output{}, errHookTimeout
		}
		return Output{}, err
	}
	e.logger.Debug("prompt hook answered", "hook", h.Name, "elapsed", time.Since(start))
	return ParseOutput(resp.Text()), nil
}

// RenderPrompt substitutes $ARGUMENTS, or appends the arguments when the
// placeholder is absent.
func RenderPrompt(prompt, arguments string) string {
	if strings.Contains(prompt, "$ARGUMENTS") {
		return strings.ReplaceAll(prompt, "$ARGUMENTS", arguments)
	}
	return prompt + "\n\nArguments: " + arguments
}

// ParseOutput decodes hook stdout. Text that is not a JSON object allows
// the operation and becomes the reason.
func ParseOutput(stdout string) Output {
	trimmed := strings.TrimSpace(stdout)
	if body, ok := strings.CutPrefix(trimmed, "```json"); ok {
		trimmed = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(body), "```"))
	}
	if strings.HasPrefix(trimmed, "{") {
		var out Output
		if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
			return out
		}
	}
	out := Allow()
	out.Reason = trimmed
	return out
}
