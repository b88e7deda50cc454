package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/martinemde/sage/agenterr"
	"github.com/martinemde/sage/hooks"
	"github.com/martinemde/sage/permission"
	"github.com/martinemde/sage/sessionstore"
	"github.com/martinemde/sage/unifiedllm"
)

// CallState is the terminal state of one tool call.
type CallState string

const (
	CallCompleted CallState = "completed"
	CallDenied    CallState = "denied"
	CallError     CallState = "error"
	CallCancelled CallState = "cancelled"
)

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	CallID   string        `json:"call_id"`
	Name     string        `json:"name"`
	Success  bool          `json:"success"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	State    CallState     `json:"state"`
	// CheckpointID names the snapshot taken before the call, if any.
	CheckpointID string `json:"checkpoint_id,omitempty"`
	// Truncated is set when the output was cut to the soft cap.
	Truncated         bool     `json:"truncated,omitempty"`
	AdditionalContext []string `json:"additional_context,omitempty"`
	// HookNote carries a post-tool hook denial. It does not change Success.
	HookNote string `json:"hook_note,omitempty"`
}

// Content is the text the model sees for this result.
func (r ToolResult) Content() string {
	text := r.Output
	if !r.Success {
		text = "Error: " + r.Error
		if r.Output != "" {
			text += "\n" + r.Output
		}
	}
	for _, c := range r.AdditionalContext {
		text += "\n\n" + c
	}
	if r.HookNote != "" {
		text += "\n\n[post-tool hook] " + r.HookNote
	}
	return text
}

// Message converts the result into a tool-role message.
func (r ToolResult) Message() unifiedllm.Message {
	return unifiedllm.ToolResultMessage(r.CallID, r.Content(), !r.Success)
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithHooks runs PreToolUse and PostToolUse hooks around every call.
func WithHooks(e *hooks.Engine) OrchestratorOption {
	return func(o *Orchestrator) { o.hooks = e }
}

// WithPermissions sets the permission engine.
func WithPermissions(e *permission.Engine) OrchestratorOption {
	return func(o *Orchestrator) { o.permissions = e }
}

// WithPrompter answers permission questions. Without one, Ask denies.
func WithPrompter(p permission.Prompter) OrchestratorOption {
	return func(o *Orchestrator) { o.prompter = p }
}

// WithCheckpoints snapshots write targets before non-read-only calls.
func WithCheckpoints(m *sessionstore.CheckpointManager) OrchestratorOption {
	return func(o *Orchestrator) { o.checkpoints = m }
}

// WithAutoRollback restores the pre-tool checkpoint when a writing call
// fails.
func WithAutoRollback(enabled bool) OrchestratorOption {
	return func(o *Orchestrator) { o.autoRollback = enabled }
}

// WithOutputLimits overrides the per-tool character and line caps.
func WithOutputLimits(chars, lines map[string]int) OrchestratorOption {
	return func(o *Orchestrator) {
		o.charLimits = chars
		o.lineLimits = lines
	}
}

// WithSessionID is passed to hooks.
func WithSessionID(id string) OrchestratorOption {
	return func(o *Orchestrator) { o.sessionID = id }
}

// WithEmitter sends tool start and end events.
func WithEmitter(e *EventEmitter) OrchestratorOption {
	return func(o *Orchestrator) { o.emitter = e }
}

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// Orchestrator runs tool calls through hooks, permissions, checkpoints and
// the execution environment.
type Orchestrator struct {
	tools        *ToolRegistry
	env          ExecutionEnvironment
	hooks        *hooks.Engine
	permissions  *permission.Engine
	checkpoints  *sessionstore.CheckpointManager
	autoRollback bool
	charLimits   map[string]int
	lineLimits   map[string]int
	sessionID    string
	emitter      *EventEmitter
	logger       *slog.Logger

	mu       sync.Mutex
	prompter permission.Prompter
	stack    []string
}

// NewOrchestrator creates an orchestrator over tools and env.
func NewOrchestrator(tools *ToolRegistry, env ExecutionEnvironment, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{tools: tools, env: env, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	if o.permissions == nil {
		o.permissions = permission.NewEngine(permission.WithLogger(o.logger))
	}
	return o
}

// SetPrompter replaces the permission prompter.
func (o *Orchestrator) SetPrompter(p permission.Prompter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prompter = p
}

func (o *Orchestrator) currentPrompter() permission.Prompter {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.prompter
}

// RequiresUserInteraction reports whether name is answered through the
// input channel instead of executed.
func (o *Orchestrator) RequiresUserInteraction(name string) bool {
	t := o.tools.Get(name)
	return t != nil && t.RequiresUserInteraction
}

// ExecuteBatch runs the calls of one assistant turn. The batch runs
// concurrently only when every call is read-only and parallel-safe.
// Results are returned in call order.
func (o *Orchestrator) ExecuteBatch(ctx context.Context, calls []unifiedllm.ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))
	if o.parallel(calls) {
		g, gctx := errgroup.WithContext(ctx)
		for i, call := range calls {
			g.Go(func() error {
				results[i] = o.ExecuteCall(gctx, call)
				return nil
			})
		}
		_ = g.Wait()
		return results
	}
	for i, call := range calls {
		if ctx.Err() != nil {
			results[i] = cancelledResult(call, 0)
			continue
		}
		results[i] = o.ExecuteCall(ctx, call)
	}
	return results
}

func (o *Orchestrator) parallel(calls []unifiedllm.ToolCall) bool {
	if len(calls) < 2 {
		return false
	}
	for _, c := range calls {
		t := o.tools.Get(c.Name)
		if t == nil || !t.ReadOnly || !t.ParallelSafe {
			return false
		}
	}
	return true
}

// ExecuteCall runs one call to a terminal state. Failures are reported in
// the result, never as an error.
func (o *Orchestrator) ExecuteCall(ctx context.Context, call unifiedllm.ToolCall) ToolResult {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "tool "+call.Name)
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", call.Name), attribute.String("tool.call_id", call.ID))

	o.emitter.Emit(EventToolCallStart, map[string]any{"tool_name": call.Name, "call_id": call.ID})
	res := o.run(ctx, call)
	res.CallID = call.ID
	res.Name = call.Name
	res.Duration = time.Since(start)

	toolCallsTotal.WithLabelValues(call.Name, string(res.State)).Inc()
	toolCallDuration.WithLabelValues(call.Name).Observe(res.Duration.Seconds())
	span.SetAttributes(attribute.String("tool.state", string(res.State)))
	if !res.Success {
		span.SetStatus(codes.Error, res.Error)
	}
	o.logger.Debug("tool call finished", "tool", call.Name, "call_id", call.ID, "state", res.State, "elapsed", res.Duration)

	data := map[string]any{
		"tool_name": call.Name,
		"call_id":   call.ID,
		"state":     string(res.State),
		"duration":  res.Duration,
	}
	if res.Success {
		data["output"] = res.Output
	} else {
		data["error"] = res.Error
	}
	if res.CheckpointID != "" {
		data["checkpoint_id"] = res.CheckpointID
	}
	o.emitter.Emit(EventToolCallEnd, data)
	return res
}

func (o *Orchestrator) run(ctx context.Context, call unifiedllm.ToolCall) ToolResult {
	tool := o.tools.Get(call.Name)
	if tool == nil {
		return ToolResult{State: CallError, Error: "unknown tool: " + call.Name}
	}
	if tool.Executor == nil {
		return ToolResult{State: CallError, Error: fmt.Sprintf("%s must be answered by the user", call.Name)}
	}
	if ctx.Err() != nil {
		return ToolResult{State: CallCancelled, Error: "cancelled before start"}
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	// Pre-phase: hooks.
	var hookDecision hooks.PermissionDecision
	var extra []string
	if o.hooks != nil {
		hr, err := o.hooks.Run(ctx, o.hookInput(hooks.PreToolUse, call.Name, args))
		if err != nil {
			return ToolResult{State: CallError, Error: "pre-tool hook: " + agenterr.FirstLine(err)}
		}
		if hr.Denied || !hr.Continue {
			return ToolResult{State: CallDenied, Error: "denied by hook: " + orDefault(hr.Reason, "no reason given")}
		}
		if len(hr.ModifiedInput) > 0 {
			args = hr.ModifiedInput
		}
		hookDecision = hr.PermissionDecision
		extra = hr.AdditionalContext
	}

	argMap, err := ParseToolArguments(args)
	if err != nil {
		return ToolResult{State: CallError, Error: agenterr.FirstLine(err)}
	}

	// Pre-phase: permission.
	req := permission.RequestFor(call.Name, argMap)
	d := o.permissions.Evaluate(req)
	switch {
	case hookDecision == hooks.DecisionAllow && d.Behavior == permission.Ask:
		d.Behavior = permission.Allow
		d.Reason = "allowed by hook"
	case hookDecision == hooks.DecisionAsk && d.Behavior != permission.Deny:
		d.Behavior = permission.Ask
	case hookDecision == hooks.DecisionDeny:
		d.Behavior = permission.Deny
		d.Reason = "denied by hook"
	}
	d, err = o.permissions.Confirm(ctx, req, d, o.currentPrompter())
	if err != nil {
		if ctx.Err() != nil {
			return ToolResult{State: CallCancelled, Error: "cancelled while awaiting permission"}
		}
		return ToolResult{State: CallError, Error: "permission: " + agenterr.FirstLine(err)}
	}
	if d.Behavior == permission.Deny {
		return ToolResult{State: CallDenied, Error: "permission denied: " + orDefault(d.Reason, "rule "+ruleString(d.Rule))}
	}

	// Pre-phase: checkpoint.
	var checkpointID string
	if !tool.ReadOnly && o.checkpoints != nil {
		var targets []string
		if tool.Targets != nil {
			for _, p := range tool.Targets(argMap) {
				targets = append(targets, o.env.Resolve(p))
			}
		}
		if len(targets) > 0 || o.checkpoints.Tracker().Len() > 0 {
			cp, err := o.checkpoints.Create(ctx, sessionstore.CheckpointPreTool, "before "+call.Name, targets)
			if err != nil {
				return ToolResult{State: CallError, Error: "checkpoint: " + agenterr.FirstLine(err)}
			}
			checkpointID = cp.ID
			o.mu.Lock()
			o.stack = append(o.stack, cp.ID)
			o.mu.Unlock()
			o.emitter.Emit(EventCheckpoint, map[string]any{"checkpoint_id": cp.ID, "tool_name": call.Name, "files": len(cp.Files)})
		}
	}

	// Execute-phase.
	execCtx := ctx
	if tool.MaxDuration > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, tool.MaxDuration)
		defer cancel()
	}
	output, execErr := tool.Executor(execCtx, args, o.env)

	res := ToolResult{CheckpointID: checkpointID, AdditionalContext: extra}
	switch {
	case ctx.Err() != nil:
		res.State = CallCancelled
		res.Error = "cancelled"
		res.Output = output
	case execErr != nil:
		res.State = CallError
		if errors.Is(execErr, context.DeadlineExceeded) {
			res.Error = fmt.Sprintf("%s exceeded its %s limit", call.Name, tool.MaxDuration)
		} else {
			res.Error = agenterr.FirstLine(execErr)
		}
		res.Output = output
	default:
		res.State = CallCompleted
		res.Success = true
		res.Output = output
	}

	if !res.Success && checkpointID != "" && o.autoRollback {
		if _, err := o.RollbackLastCheckpoint(context.WithoutCancel(ctx)); err != nil {
			o.logger.Warn("auto-rollback failed", "tool", call.Name, "checkpoint_id", checkpointID, "error", err)
		} else {
			res.Error += " (changes rolled back)"
		}
	}

	// Post-phase: hooks annotate, never change the disposition.
	if o.hooks != nil && ctx.Err() == nil {
		in := o.hookInput(hooks.PostToolUse, call.Name, args)
		in.ToolResult, _ = json.Marshal(map[string]any{"success": res.Success, "output": res.Output, "error": res.Error})
		if !res.Success {
			in.Error = res.Error
		}
		hr, err := o.hooks.Run(ctx, in)
		switch {
		case err != nil:
			o.logger.Warn("post-tool hook failed", "tool", call.Name, "error", err)
		case hr.Denied || !hr.Continue:
			res.HookNote = "denied: " + orDefault(hr.Reason, "no reason given")
		}
		res.AdditionalContext = append(res.AdditionalContext, hr.AdditionalContext...)
	}

	if res.Output != "" {
		cut := TruncateToolOutput(res.Output, call.Name, o.charLimits, o.lineLimits)
		res.Truncated = cut != res.Output
		res.Output = cut
	}
	return res
}

// RollbackLastCheckpoint restores the most recent pre-tool checkpoint and
// forgets it. It reports false when there is nothing to roll back.
func (o *Orchestrator) RollbackLastCheckpoint(ctx context.Context) (bool, error) {
	if o.checkpoints == nil {
		return false, nil
	}
	o.mu.Lock()
	if len(o.stack) == 0 {
		o.mu.Unlock()
		return false, nil
	}
	id := o.stack[len(o.stack)-1]
	o.stack = o.stack[:len(o.stack)-1]
	o.mu.Unlock()

	report, err := o.checkpoints.Restore(ctx, id)
	if err != nil {
		return false, fmt.Errorf("rollback %s: %w", id, err)
	}
	if !report.Success() {
		return false, agenterr.New(agenterr.KindTool, "rollback", "checkpoint %s restored partially", id)
	}
	o.logger.Info("rolled back checkpoint", "checkpoint_id", id)
	return true, nil
}

func (o *Orchestrator) hookInput(ev hooks.Event, tool string, args json.RawMessage) hooks.Input {
	return hooks.Input{
		Event:     ev,
		SessionID: o.sessionID,
		Cwd:       o.env.WorkingDirectory(),
		ToolName:  tool,
		ToolInput: args,
		Metadata:  map[string]any{},
	}
}

func cancelledResult(call unifiedllm.ToolCall, d time.Duration) ToolResult {
	return ToolResult{CallID: call.ID, Name: call.Name, State: CallCancelled, Error: "cancelled", Duration: d}
}

func ruleString(r *permission.Rule) string {
	if r == nil {
		return "default"
	}
	return r.String()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
