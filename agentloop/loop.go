package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/martinemde/sage/agenterr"
	"github.com/martinemde/sage/contextmgr"
	"github.com/martinemde/sage/hooks"
	"github.com/martinemde/sage/sessionstore"
	"github.com/martinemde/sage/unifiedllm"
)

// Mode says whether a user is available to answer questions.
type Mode string

const (
	ModeInteractive    Mode = "interactive"
	ModeNonInteractive Mode = "non_interactive"
)

var (
	errInterrupted = errors.New("interrupted by user")
	errTaskTimeout = &agenterr.Error{Kind: agenterr.KindTimeout, Op: "loop", Message: "task exceeded its time budget", Code: CodeTaskTimeout}
)

const (
	emptyResponseLimit = 2
	emptyResponseNudge = "Your last response was empty. Continue with the task: call a tool, or call task_done if the work is finished."
)

// LoopConfig holds configuration for a Loop.
type LoopConfig struct {
	Model    string `yaml:"model"`
	Provider string `yaml:"provider"`
	// MaxSteps bounds the number of assistant turns per task.
	MaxSteps int `yaml:"max_steps" validate:"gt=0"`
	// TaskTimeout is the end-to-end budget. Zero means none.
	TaskTimeout time.Duration `yaml:"task_timeout"`
	// Stream requests streamed responses and emits text deltas.
	Stream           bool   `yaml:"stream"`
	UserInstructions string `yaml:"user_instructions,omitempty"`

	EnableLoopDetection bool `yaml:"enable_loop_detection"`
	LoopDetectionWindow int  `yaml:"loop_detection_window" validate:"gte=0"`
	// RequireFileOps fails a task that completes without writing a file.
	RequireFileOps bool `yaml:"require_file_ops"`
	// AutoRollback restores the pre-tool checkpoint of a failed write.
	AutoRollback bool `yaml:"auto_rollback"`

	Temperature *float64 `yaml:"temperature,omitempty"`
	MaxTokens   *int     `yaml:"max_tokens,omitempty"`

	ToolOutputLimits map[string]int `yaml:"tool_output_limits,omitempty"`
	ToolLineLimits   map[string]int `yaml:"tool_line_limits,omitempty"`
}

// DefaultLoopConfig returns the default configuration.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxSteps:            50,
		EnableLoopDetection: true,
		LoopDetectionWindow: 10,
	}
}

// Loop drives one task at a time from prompt to Outcome. It never returns
// mid-task to ask the user something; ask_user blocks on the input channel.
type Loop struct {
	rt      *Runtime
	cfg     LoopConfig
	id      string
	profile Profile
	orch    *Orchestrator
	emitter *EventEmitter
	logger  *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelCauseFunc
	input    *InputChannel
	steering []string
	messages []unifiedllm.Message
	history  []Turn
}

// NewLoop creates a loop over rt.
func NewLoop(rt *Runtime, cfg LoopConfig) *Loop {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultLoopConfig().MaxSteps
	}
	id := uuid.NewString()
	if rt.Session != nil {
		id = rt.Session.ID()
	}
	logger := rt.logger().With("session_id", id)
	emitter := NewEventEmitter(id, 256)

	opts := []OrchestratorOption{
		WithPermissions(rt.Permissions),
		WithAutoRollback(cfg.AutoRollback),
		WithOutputLimits(cfg.ToolOutputLimits, cfg.ToolLineLimits),
		WithSessionID(id),
		WithEmitter(emitter),
		WithOrchestratorLogger(logger),
	}
	if rt.Hooks != nil {
		opts = append(opts, WithHooks(rt.Hooks))
	}
	if rt.Checkpoints != nil {
		opts = append(opts, WithCheckpoints(rt.Checkpoints))
	}

	return &Loop{
		rt:      rt,
		cfg:     cfg,
		id:      id,
		profile: ProfileFor(cfg.Provider, cfg.Model),
		orch:    NewOrchestrator(rt.Tools, rt.Env, opts...),
		emitter: emitter,
		logger:  logger,
	}
}

// ID returns the session id the loop reports in events and hooks.
func (l *Loop) ID() string { return l.id }

// Orchestrator returns the tool orchestrator, for rollback.
func (l *Loop) Orchestrator() *Orchestrator { return l.orch }

// Events returns the event channel for an attached UI.
func (l *Loop) Events() <-chan LoopEvent { return l.emitter.Events() }

// SetInputChannel attaches the channel used for user questions and
// permission prompts.
func (l *Loop) SetInputChannel(ch *InputChannel) {
	l.mu.Lock()
	l.input = ch
	l.mu.Unlock()
	if ch != nil {
		l.orch.SetPrompter(ch.Prompter())
	} else {
		l.orch.SetPrompter(nil)
	}
}

// Steer queues a message injected after the current tool round.
func (l *Loop) Steer(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steering = append(l.steering, message)
}

// Cancel interrupts the running task at its next suspension point.
func (l *Loop) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel(errInterrupted)
	}
}

// Resume seeds the conversation with messages from an earlier run.
func (l *Loop) Resume(msgs []unifiedllm.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages[:0], msgs...)
}

// Messages returns a copy of the conversation, system prompt first.
func (l *Loop) Messages() []unifiedllm.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]unifiedllm.Message(nil), l.messages...)
}

// History returns a copy of the turns taken so far.
func (l *Loop) History() []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Turn(nil), l.history...)
}

// Close ends the event stream.
func (l *Loop) Close() {
	l.emitter.Close()
}

// HandleFallback records a provider model switch. Pass it to
// unifiedllm.WithFallbackObserver.
func (l *Loop) HandleFallback(ev unifiedllm.FallbackEvent) {
	l.logger.Warn("provider fallback", "from", ev.From, "to", ev.To, "reason", ev.Reason)
	l.emitter.Emit(EventFallback, map[string]any{"from": ev.From, "to": ev.To, "reason": string(ev.Reason)})
	if ev.To == "" || l.rt.Session == nil {
		return
	}
	if err := l.rt.Session.RecordModelSwitch(ev.From, ev.To, string(ev.Reason)); err != nil {
		l.logger.Error("record model switch", "error", err)
	}
}

// task is the per-Execute state.
type task struct {
	mode     Mode
	step     int
	usage    unifiedllm.Usage
	empty    int
	fileOps  int
	repeated repetitionTracker
	tools    []unifiedllm.ToolDefinition
}

// Execute runs task to a terminal Outcome in the runtime's working
// directory.
func (l *Loop) Execute(ctx context.Context, prompt string, mode Mode) Outcome {
	start := time.Now()
	ctx, cancel := context.WithCancelCause(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.cancel = nil
		l.mu.Unlock()
		cancel(nil)
	}()
	if l.cfg.TaskTimeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(ctx, l.cfg.TaskTimeout, errTaskTimeout)
		defer stop()
	}

	ctx, span := tracer.Start(ctx, "task")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", l.id), attribute.String("task.mode", string(mode)))

	t := &task{mode: mode, tools: l.rt.Tools.Definitions()}
	out := l.run(ctx, t, prompt)
	out.Steps = t.step
	out.Usage = t.usage
	out.Duration = time.Since(start)
	l.finish(ctx, out)
	span.SetAttributes(attribute.String("task.outcome", string(out.Kind)))
	return out
}

func (l *Loop) run(ctx context.Context, t *task, prompt string) Outcome {
	l.emitter.Emit(EventSessionStart, map[string]any{"mode": string(t.mode)})
	if hr, err := l.hook(ctx, hooks.SessionStart, nil); err == nil && (hr.Denied || !hr.Continue) {
		return failed(CodeHookDenied, agenterr.New(agenterr.KindConfig, "loop", "session start denied by hook: %s", hr.Reason))
	}

	system := unifiedllm.SystemMessage(l.profile.BuildSystemPrompt(l.rt.Env, l.rt.Tools, l.cfg.UserInstructions))
	l.mu.Lock()
	if len(l.messages) > 0 && l.messages[0].Role == unifiedllm.RoleSystem {
		l.messages[0] = system
	} else {
		l.messages = append([]unifiedllm.Message{system}, l.messages...)
	}
	l.mu.Unlock()

	if err := l.record(unifiedllm.UserMessage(prompt)); err != nil {
		return failed(CodeSession, err)
	}
	l.emitter.Emit(EventUserInput, map[string]any{"content": prompt})

	for t.step < l.cfg.MaxSteps {
		if ctx.Err() != nil {
			return l.stopped(ctx)
		}
		t.step++
		if err := l.drainSteering(); err != nil {
			return failed(CodeSession, err)
		}

		resp, turn, out, done := l.assistantTurn(ctx, t)
		if done {
			return out
		}

		calls := resp.ToolCallsFromResponse()
		text := resp.Text()
		if len(calls) == 0 {
			if strings.TrimSpace(text) == "" {
				t.empty++
				if t.empty >= emptyResponseLimit {
					return failed(CodeEmptyResponse, agenterr.New(agenterr.KindProvider, "loop", "model returned %d empty responses in a row", t.empty))
				}
				if err := l.record(NewSteeringMessage(emptyResponseNudge)); err != nil {
					return failed(CodeSession, err)
				}
				l.appendTurn(turn)
				continue
			}
			l.appendTurn(turn)
			return l.complete(t, text)
		}
		t.empty = 0

		if t.repeated.observe(text) {
			l.logger.Warn("assistant repeated itself; ending task", "step", t.step)
			if err := l.skipCalls(calls, "not executed: the task ended because the response repeated"); err != nil {
				return failed(CodeSession, err)
			}
			l.appendTurn(turn)
			return l.complete(t, text)
		}

		results, answers, out, done := l.runTools(ctx, t, calls, text)
		turn.Results = results
		l.appendTurn(turn)
		for _, r := range results {
			if err := l.record(r.Message()); err != nil {
				return failed(CodeSession, err)
			}
		}
		if done {
			return out
		}
		for _, a := range answers {
			if err := l.record(a); err != nil {
				return failed(CodeSession, err)
			}
		}
		if ctx.Err() != nil {
			return l.stopped(ctx)
		}

		for _, r := range results {
			if r.Name == ToolTaskDone && r.Success {
				return l.complete(t, r.Output)
			}
		}

		if l.cfg.EnableLoopDetection && DetectLoop(l.Messages(), l.cfg.LoopDetectionWindow) {
			warning := fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern. Try a different approach.", l.cfg.LoopDetectionWindow)
			if err := l.record(NewSteeringMessage(warning)); err != nil {
				return failed(CodeSession, err)
			}
			l.emitter.Emit(EventLoopDetection, map[string]any{"message": warning})
		}
	}

	l.emitter.Emit(EventTurnLimit, map[string]any{"steps": t.step})
	return Outcome{Kind: OutcomeMaxSteps}
}

// assistantTurn prepares context, calls the provider and records the
// response. done is set when the task must end with out.
func (l *Loop) assistantTurn(ctx context.Context, t *task) (resp *unifiedllm.Response, turn Turn, out Outcome, done bool) {
	ctx, span := tracer.Start(ctx, "step")
	defer span.End()
	span.SetAttributes(attribute.Int("loop.step", t.step))

	if err := l.fitContext(ctx, t, false); err != nil {
		if ctx.Err() != nil {
			return nil, turn, l.stopped(ctx), true
		}
		return nil, turn, failedFrom(err), true
	}
	if hr, err := l.hook(ctx, hooks.PreLLMCall, nil); err == nil && (hr.Denied || !hr.Continue) {
		return nil, turn, failed(CodeHookDenied, agenterr.New(agenterr.KindProvider, "loop", "provider call denied by hook: %s", hr.Reason)), true
	}

	started := time.Now()
	var ttft time.Duration
	var err error
	for attempt := 0; ; attempt++ {
		resp, ttft, err = l.call(ctx, t)
		if err == nil || attempt > 0 || !unifiedllm.IsContextOverflow(err) || ctx.Err() != nil {
			break
		}
		l.logger.Warn("provider reported context overflow; compacting", "step", t.step)
		if cerr := l.fitContext(ctx, t, true); cerr != nil {
			err = cerr
			break
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, turn, l.stopped(ctx), true
		}
		l.logger.Error("provider call failed", "step", t.step, "error", err)
		l.emitter.Emit(EventError, map[string]any{"error": agenterr.FirstLine(err)})
		_, _ = l.hook(ctx, hooks.OnError, func(in *hooks.Input) { in.Error = agenterr.FirstLine(err) })
		return nil, turn, failedFrom(err), true
	}

	t.usage = t.usage.Add(resp.Usage)
	turn = Turn{
		Step:             t.step,
		Timestamp:        started,
		Assistant:        resp.Message,
		Usage:            resp.Usage,
		Model:            resp.Model,
		Provider:         resp.Provider,
		TimeToFirstToken: ttft,
		Duration:         time.Since(started),
	}
	if resp.Message.Role == "" {
		resp.Message.Role = unifiedllm.RoleAssistant
	}
	usage := resp.Usage
	if err := l.recordResponse(resp.Message, &usage, resp.Provider, resp.Model); err != nil {
		return nil, turn, failed(CodeSession, err), true
	}
	l.emitter.Emit(EventAssistantTextEnd, map[string]any{"text": resp.Text(), "ttft": ttft, "finish_reason": resp.FinishReason.Reason})
	_, _ = l.hook(ctx, hooks.PostLLMCall, func(in *hooks.Input) {
		in.Metadata["finish_reason"] = resp.FinishReason.Reason
		in.Metadata["tool_calls"] = len(resp.ToolCallsFromResponse())
	})
	return resp, turn, Outcome{}, false
}

// call sends the current conversation to the provider.
func (l *Loop) call(ctx context.Context, t *task) (*unifiedllm.Response, time.Duration, error) {
	req := unifiedllm.Request{
		Model:       l.cfg.Model,
		Provider:    l.cfg.Provider,
		Messages:    l.Messages(),
		Tools:       t.tools,
		ToolChoice:  &unifiedllm.ToolChoice{Mode: "auto"},
		Temperature: l.cfg.Temperature,
		MaxTokens:   l.cfg.MaxTokens,
		Metadata:    map[string]string{"session_id": l.id},
	}
	l.emitter.Emit(EventAssistantTextStart, map[string]any{"step": t.step})

	if !l.cfg.Stream {
		resp, err := l.rt.Client.Chat(ctx, req)
		return resp, 0, err
	}
	events, err := l.rt.Client.ChatStream(ctx, req)
	if err != nil {
		return nil, 0, err
	}
	acc := unifiedllm.NewStreamAccumulator()
	for ev := range events {
		acc.Add(ev)
		if ev.Type == unifiedllm.TextDelta && ev.Delta != "" {
			l.emitter.Emit(EventAssistantTextDelta, map[string]any{"delta": ev.Delta})
		}
	}
	if err := acc.Err(); err != nil {
		return nil, acc.TimeToFirstToken(), err
	}
	if err := ctx.Err(); err != nil {
		return nil, acc.TimeToFirstToken(), err
	}
	return acc.Response(), acc.TimeToFirstToken(), nil
}

// fitContext compacts the conversation when it has reached the threshold,
// or unconditionally when force is set.
func (l *Loop) fitContext(ctx context.Context, t *task, force bool) error {
	cm := l.rt.Context
	if cm == nil {
		return nil
	}
	msgs := l.Messages()
	if !force && !cm.NeedsCompaction(msgs, t.tools) {
		return nil
	}

	var instructions string
	if hr, err := l.hook(ctx, hooks.PreCompact, func(in *hooks.Input) { in.Metadata["forced"] = force }); err == nil {
		instructions = strings.Join(hr.AdditionalContext, "\n")
	}
	out, res, err := cm.CompactWithInstructions(ctx, msgs, t.tools, instructions)
	if err != nil {
		return fmt.Errorf("compact context: %w", err)
	}
	if !res.WasCompacted {
		if force {
			return &agenterr.Error{Kind: agenterr.KindProvider, Op: "loop", Message: "context overflow with nothing left to compact", Code: CodeContextOverflow}
		}
		return nil
	}

	l.mu.Lock()
	l.messages = out
	l.mu.Unlock()
	for i, m := range out {
		if contextmgr.IsSummary(m) && m.Metadata[contextmgr.MetaCompactID] == res.CompactID {
			if err := l.persistBoundary(m, len(out)-i-1); err != nil {
				return err
			}
			break
		}
	}
	l.logger.Info("context compacted", "compact_id", res.CompactID, "mode", res.Mode,
		"messages_before", res.MessagesBefore, "messages_after", res.MessagesAfter, "tokens_saved", res.TokensSaved())
	l.emitter.Emit(EventCompaction, map[string]any{
		"compact_id":      res.CompactID,
		"mode":            res.Mode,
		"messages_before": res.MessagesBefore,
		"messages_after":  res.MessagesAfter,
		"tokens_before":   res.TokensBefore,
		"tokens_after":    res.TokensAfter,
		"summary_preview": res.SummaryPreview,
	})
	if res.OverTarget {
		l.emitter.Emit(EventWarning, map[string]any{
			"message":      "context still over target after compaction",
			"compact_id":   res.CompactID,
			"tokens_after": res.TokensAfter,
		})
	}
	return nil
}

// runTools executes the calls of one turn in order. Runs of ordinary calls
// go through the orchestrator as batches; user-interaction calls are
// answered through the input channel. answers are the user messages to
// append after the tool results.
func (l *Loop) runTools(ctx context.Context, t *task, calls []unifiedllm.ToolCall, text string) (results []ToolResult, answers []unifiedllm.Message, out Outcome, done bool) {
	results = make([]ToolResult, 0, len(calls))
	var batch []unifiedllm.ToolCall
	flush := func() {
		if len(batch) == 0 {
			return
		}
		results = append(results, l.orch.ExecuteBatch(ctx, batch)...)
		batch = nil
	}

	for i, call := range calls {
		if done {
			results = append(results, skippedResult(call, "not executed: the task is waiting for the user"))
			continue
		}
		if !l.orch.RequiresUserInteraction(call.Name) {
			batch = append(batch, call)
			continue
		}
		flush()
		res, answer, o, stop := l.askUser(ctx, t, call, text)
		results = append(results, res)
		if answer != nil {
			answers = append(answers, *answer)
		}
		if stop {
			out, done = o, true
			l.logger.Debug("task stopped at user question", "call_id", call.ID, "remaining", len(calls)-i-1)
		}
	}
	flush()

	for _, r := range results {
		if r.Success && fileModifyingTools[r.Name] {
			t.fileOps++
		}
	}
	return results, answers, out, done
}

// askUser relays an ask_user call. stop is set when the task must end.
func (l *Loop) askUser(ctx context.Context, t *task, call unifiedllm.ToolCall, text string) (ToolResult, *unifiedllm.Message, Outcome, bool) {
	start := time.Now()
	res := ToolResult{CallID: call.ID, Name: call.Name, State: CallCompleted, Success: true}
	var args askUserArgs
	if err := DecodeArgs(call.Arguments, &args); err != nil {
		res.Success, res.State, res.Error = false, CallError, agenterr.FirstLine(err)
		res.Duration = time.Since(start)
		return res, nil, Outcome{}, false
	}

	l.mu.Lock()
	input := l.input
	l.mu.Unlock()
	pending := Outcome{Kind: OutcomeNeedsUserInput, LastResponse: orDefault(strings.TrimSpace(text), args.Question)}
	if t.mode == ModeNonInteractive || input == nil {
		res.Output = "Question recorded; no user is attached to answer it: " + args.Question
		res.Duration = time.Since(start)
		return res, nil, pending, true
	}

	l.emitter.Emit(EventInputRequested, map[string]any{"call_id": call.ID, "question": args.Question, "options": args.Options})
	resp, err := input.Ask(ctx, InputRequest{Kind: InputQuestion, Prompt: args.Question, Options: args.Options, Multi: args.Multi})
	res.Duration = time.Since(start)
	switch {
	case errors.Is(err, ErrInputClosed):
		res.Output = "Question recorded; the user is no longer available: " + args.Question
		return res, nil, pending, true
	case err != nil:
		res.Success, res.State, res.Error = false, CallCancelled, "cancelled"
		return res, nil, l.stopped(ctx), true
	case resp.Cancelled:
		res.Success, res.State, res.Error = false, CallCancelled, "the user dismissed the question"
		return res, nil, Outcome{Kind: OutcomeUserCancelled, Reason: "question dismissed"}, true
	}
	res.Output = "Asked the user: " + args.Question + "\nTheir answer follows as a user message."
	answer := syntheticUserMessage(resp.Answer())
	return res, &answer, Outcome{}, false
}

// complete turns a finished task into Success, or Failed when file
// operations are required and none happened.
func (l *Loop) complete(t *task, text string) Outcome {
	if t.fileOps == 0 {
		l.logger.Warn("task completed without file operations", "steps", t.step)
		l.emitter.Emit(EventWarning, map[string]any{"message": "task completed without file operations"})
		if l.cfg.RequireFileOps {
			return failed(CodeNoFileOps, agenterr.New(agenterr.KindTool, "loop", "task completed without modifying any file"))
		}
	}
	return Outcome{Kind: OutcomeSuccess, FinalText: text}
}

// stopped maps a done context to Interrupted or a task timeout.
func (l *Loop) stopped(ctx context.Context) Outcome {
	cause := context.Cause(ctx)
	if errors.Is(cause, errTaskTimeout) {
		return failed(CodeTaskTimeout, errTaskTimeout)
	}
	reason := "cancelled"
	if cause != nil && !errors.Is(cause, context.Canceled) {
		reason = cause.Error()
	}
	return Outcome{Kind: OutcomeInterrupted, Reason: reason}
}

// finish records the terminal state and runs Stop hooks.
func (l *Loop) finish(ctx context.Context, out Outcome) {
	level := slog.LevelInfo
	if out.Kind == OutcomeFailed {
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, "task finished", "outcome", out.Kind, "code", out.Code, "steps", out.Steps,
		"input_tokens", out.Usage.InputTokens, "output_tokens", out.Usage.OutputTokens, "elapsed", out.Duration)
	if n := l.emitter.Dropped(); n > 0 {
		l.logger.Debug("events dropped", "count", n)
	}

	if s := l.rt.Session; s != nil {
		var st sessionstore.State
		switch out.Kind {
		case OutcomeSuccess:
			st = sessionstore.StateCompleted
		case OutcomeFailed:
			st = sessionstore.StateFailed
		case OutcomeNeedsUserInput:
			st = sessionstore.StatePaused
		default:
			st = sessionstore.StateAbandoned
		}
		if err := s.SetState(st); err != nil {
			l.logger.Error("record session state", "error", err)
		}
		if out.Kind == OutcomeSuccess && out.FinalText != "" {
			summary, _, _ := strings.Cut(strings.TrimSpace(out.FinalText), "\n")
			if err := s.SetSummary(summary); err != nil {
				l.logger.Error("record session summary", "error", err)
			}
		}
	}

	_, _ = l.hook(context.WithoutCancel(ctx), hooks.Stop, func(in *hooks.Input) {
		in.Metadata["outcome"] = string(out.Kind)
		in.Metadata["steps"] = out.Steps
		if out.Err != nil {
			in.Error = agenterr.FirstLine(out.Err)
		}
	})
	l.emitter.Emit(EventSessionEnd, map[string]any{"outcome": string(out.Kind), "message": out.Message()})
}

// record appends m to the conversation and the session log.
func (l *Loop) record(m unifiedllm.Message) error {
	return l.recordResponse(m, nil, "", "")
}

// recordResponse is record with the usage and model stamp of a response.
func (l *Loop) recordResponse(m unifiedllm.Message, usage *unifiedllm.Usage, provider, model string) error {
	if err := l.persist(m, usage, provider, model); err != nil {
		return err
	}
	l.mu.Lock()
	l.messages = append(l.messages, m)
	l.mu.Unlock()
	return nil
}

func (l *Loop) persist(m unifiedllm.Message, usage *unifiedllm.Usage, provider, model string) error {
	if l.rt.Session == nil {
		return nil
	}
	if _, err := l.rt.Session.AppendLLM(m, usage, provider, model); err != nil {
		return fmt.Errorf("append to session log: %w", err)
	}
	return nil
}

// persistBoundary records a compaction summary followed in the
// conversation by kept messages.
func (l *Loop) persistBoundary(summary unifiedllm.Message, kept int) error {
	if l.rt.Session == nil {
		return nil
	}
	if _, err := l.rt.Session.AppendBoundary(summary, kept); err != nil {
		return fmt.Errorf("append compaction to session log: %w", err)
	}
	return nil
}

func (l *Loop) appendTurn(t Turn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = append(l.history, t)
}

// skipCalls answers calls that will not run, keeping every call answered.
func (l *Loop) skipCalls(calls []unifiedllm.ToolCall, reason string) error {
	for _, c := range calls {
		if err := l.record(skippedResult(c, reason).Message()); err != nil {
			return err
		}
	}
	return nil
}

func skippedResult(call unifiedllm.ToolCall, reason string) ToolResult {
	return ToolResult{CallID: call.ID, Name: call.Name, State: CallCancelled, Error: reason}
}

func (l *Loop) drainSteering() error {
	l.mu.Lock()
	pending := l.steering
	l.steering = nil
	l.mu.Unlock()
	for _, msg := range pending {
		if err := l.record(NewSteeringMessage(msg)); err != nil {
			return err
		}
		l.emitter.Emit(EventSteeringInjected, map[string]any{"content": msg})
	}
	return nil
}

// hook runs event hooks when an engine is configured. edit may fill
// event-specific input fields.
func (l *Loop) hook(ctx context.Context, ev hooks.Event, edit func(*hooks.Input)) (hooks.Result, error) {
	if l.rt.Hooks == nil {
		return hooks.Result{Continue: true}, nil
	}
	in := hooks.Input{
		Event:     ev,
		SessionID: l.id,
		Cwd:       l.rt.Env.WorkingDirectory(),
		AgentType: "main",
		Metadata:  map[string]any{},
	}
	if edit != nil {
		edit(&in)
	}
	hr, err := l.rt.Hooks.Run(ctx, in)
	if err != nil {
		l.logger.Warn("hook failed", "event", ev, "error", err)
		return hr, err
	}
	for _, msg := range hr.SystemMessages {
		l.logger.Info("hook message", "event", ev, "message", msg)
	}
	return hr, nil
}
