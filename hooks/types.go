// Package hooks runs user-configured logic at agent lifecycle events.
//
// A hook is either a shell command, which receives the event as JSON on
// stdin and answers with JSON on stdout, or a prompt evaluated by a
// secondary model call. Hooks can allow, deny, rewrite tool input or ask
// for confirmation.
package hooks

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event names a lifecycle point.
type Event string

const (
	PreToolUse   Event = "PreToolUse"
	PostToolUse  Event = "PostToolUse"
	PreLLMCall   Event = "PreLlmCall"
	PostLLMCall  Event = "PostLlmCall"
	OnError      Event = "OnError"
	SessionStart Event = "SessionStart"
	Stop         Event = "Stop"
	PreCompact   Event = "PreCompact"
)

// Events lists every supported event.
var Events = []Event{PreToolUse, PostToolUse, PreLLMCall, PostLLMCall, OnError, SessionStart, Stop, PreCompact}

// ParseEvent validates an event name.
func ParseEvent(s string) (Event, error) {
	for _, e := range Events {
		if string(e) == s {
			return e, nil
		}
	}
	return "", fmt.Errorf("hooks: unknown event %q", s)
}

// PermissionDecision is a hook's opinion on a tool call.
type PermissionDecision string

const (
	DecisionAllow PermissionDecision = "allow"
	DecisionDeny  PermissionDecision = "deny"
	DecisionAsk   PermissionDecision = "ask"
)

// Input is sent to every hook.
type Input struct {
	Event      Event           `json:"event"`
	SessionID  string          `json:"session_id"`
	Cwd        string          `json:"cwd"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolResult json.RawMessage `json:"tool_result,omitempty"`
	Error      string          `json:"error,omitempty"`
	AgentType  string          `json:"agent_type,omitempty"`
	Metadata   map[string]any  `json:"metadata"`
}

// Output is what a hook returns. Continue defaults to true when the field
// is absent.
type Output struct {
	Continue           bool               `json:"continue"`
	ModifiedInput      json.RawMessage    `json:"modified_input,omitempty"`
	PermissionDecision PermissionDecision `json:"permission_decision,omitempty"`
	AdditionalContext  []string           `json:"additional_context,omitempty"`
	Reason             string             `json:"reason,omitempty"`
	SystemMessage      string             `json:"system_message,omitempty"`
	Data               map[string]any     `json:"data,omitempty"`
}

func (o *Output) UnmarshalJSON(data []byte) error {
	type plain Output
	aux := struct {
		*plain
		Continue *bool `json:"continue"`
	}{plain: (*plain)(o)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	o.Continue = aux.Continue == nil || *aux.Continue
	return nil
}

// Allow is the neutral output.
func Allow() Output { return Output{Continue: true} }

// Deny stops the operation with reason.
func Deny(reason string) Output {
	return Output{Continue: false, PermissionDecision: DecisionDeny, Reason: reason}
}

// Denies reports whether the output blocks the operation.
func (o Output) Denies() bool {
	return !o.Continue || o.PermissionDecision == DecisionDeny
}

// Kind says how a hook is implemented.
type Kind string

const (
	KindCommand Kind = "command"
	KindPrompt  Kind = "prompt"
)

// DefaultTimeout bounds a hook without an explicit timeout.
const DefaultTimeout = 60 * time.Second

// Hook is one configured hook.
type Hook struct {
	Name    string        `yaml:"name" validate:"required"`
	Event   Event         `yaml:"event" validate:"required"`
	Matcher string        `yaml:"matcher,omitempty"`
	Type    Kind          `yaml:"type" validate:"required,oneof=command prompt"`
	Timeout time.Duration `yaml:"timeout,omitempty" validate:"gte=0"`
	// Blocking hooks deny when they time out; others are skipped.
	Blocking bool `yaml:"blocking,omitempty"`
	Disabled bool `yaml:"disabled,omitempty"`

	Command string            `yaml:"command,omitempty" validate:"required_if=Type command"`
	Dir     string            `yaml:"dir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// Prompt may reference $ARGUMENTS, replaced by the JSON input.
	Prompt string `yaml:"prompt,omitempty" validate:"required_if=Type prompt"`
	Model  string `yaml:"model,omitempty"`
	System string `yaml:"system,omitempty"`
}

func (h Hook) timeout() time.Duration {
	if h.Timeout > 0 {
		return h.Timeout
	}
	return DefaultTimeout
}

func (h Hook) String() string {
	return fmt.Sprintf("%s(%s %s)", h.Name, h.Event, h.Type)
}
