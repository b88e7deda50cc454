package permission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Request is the part of a tool call that rules look at.
type Request struct {
	Tool    string
	Args    map[string]any
	Path    string
	Command string
}

var (
	pathKeys    = []string{"path", "file_path", "filename", "target"}
	commandKeys = []string{"command", "cmd", "script"}
)

// RequestFor builds a Request, pulling the path and command out of the
// conventional argument names.
func RequestFor(tool string, args map[string]any) Request {
	return Request{
		Tool:    tool,
		Args:    args,
		Path:    firstString(args, pathKeys),
		Command: firstString(args, commandKeys),
	}
}

func firstString(args map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := args[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// Decision is the outcome of evaluating a request.
type Decision struct {
	Behavior Behavior
	Reason   string
	// Question, Default and Risk are set for Ask.
	Question string
	Default  bool
	Risk     RiskLevel
	Rule     *Rule
	Cached   bool
}

// Allowed reports whether the call may run without asking.
func (d Decision) Allowed() bool { return d.Behavior == Allow }

// Option configures an Engine.
type Option func(*Engine)

// WithTrustCache sets the trust cache.
func WithTrustCache(c *TrustCache) Option {
	return func(e *Engine) { e.trust = c }
}

// WithDefault sets the behavior when no rule matches. It defaults to Allow.
func WithDefault(b Behavior) Option {
	return func(e *Engine) { e.fallback = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine evaluates rules. It is safe for concurrent use.
type Engine struct {
	mu       sync.RWMutex
	rules    map[Source][]Rule
	trust    *TrustCache
	fallback Behavior
	logger   *slog.Logger
}

// NewEngine creates an engine holding the builtin rules.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		rules:    map[Source][]Rule{},
		fallback: Allow,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.trust == nil {
		e.trust = NewTrustCache(DefaultTrustTTL)
	}
	e.SetRules(SourceBuiltin, BuiltinRules())
	return e
}

// Trust returns the engine's trust cache.
func (e *Engine) Trust() *TrustCache { return e.trust }

// SetRules replaces every rule from src.
func (e *Engine) SetRules(src Source, rules []Rule) {
	cp := make([]Rule, len(rules))
	for i, r := range rules {
		r.Source = src
		cp[i] = r
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[src] = cp
}

// AddRule appends r to the rules of its source, session when unset.
func (e *Engine) AddRule(r Rule) {
	if r.Source == "" {
		r.Source = SourceSession
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[r.Source] = append(e.rules[r.Source], r)
}

// Rules returns every rule in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Rule
	for _, src := range Sources {
		out = append(out, e.rules[src]...)
	}
	return out
}

// Evaluate decides req without prompting. Ask decisions are answered from
// the trust cache when it holds the exact call.
func (e *Engine) Evaluate(req Request) Decision {
	d := e.match(req)
	if d.Behavior != Ask {
		return d
	}
	if allowed, ok := e.trust.Get(req.Tool, req.Args); ok {
		d.Cached = true
		if allowed {
			d.Behavior = Allow
			d.Reason = "previously allowed"
		} else {
			d.Behavior = Deny
			d.Reason = "previously denied"
		}
	}
	return d
}

func (e *Engine) match(req Request) Decision {
	for _, r := range e.Rules() {
		if r.Behavior == Passthrough || !r.Matches(req) {
			continue
		}
		rule := r
		d := Decision{Behavior: r.Behavior, Reason: r.Reason, Rule: &rule, Risk: r.Risk}
		switch r.Behavior {
		case Deny:
			if d.Reason == "" {
				d.Reason = "denied by rule: " + r.String()
			}
		case Ask:
			d.Question = question(req)
			if d.Risk == "" {
				d.Risk = RiskMedium
			}
		}
		e.logger.Debug("permission rule matched", "tool", req.Tool, "rule", r.String(), "behavior", r.Behavior)
		return d
	}
	d := Decision{Behavior: e.fallback, Risk: RiskMedium}
	if d.Behavior == Ask {
		d.Question = question(req)
	}
	if d.Behavior == Deny {
		d.Reason = "no rule allows " + req.Tool
	}
	return d
}

func question(req Request) string {
	switch {
	case req.Command != "":
		return fmt.Sprintf("Allow %s to run %q?", req.Tool, req.Command)
	case req.Path != "":
		return fmt.Sprintf("Allow %s on %s?", req.Tool, req.Path)
	}
	return fmt.Sprintf("Allow %s?", req.Tool)
}

// Answer is the user's reply to a permission question.
type Answer int

const (
	AllowOnce Answer = iota
	AllowAlways
	DenyOnce
	DenyAlways
)

// Allowed reports whether the answer lets the call run.
func (a Answer) Allowed() bool { return a == AllowOnce || a == AllowAlways }

// ParseAnswer reads a typed reply. Anything unrecognized falls back to
// def.
func ParseAnswer(s string, def bool) Answer {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "allow":
		return AllowOnce
	case "a", "always", "allow always":
		return AllowAlways
	case "n", "no", "deny":
		return DenyOnce
	case "never", "deny always":
		return DenyAlways
	}
	if def {
		return AllowOnce
	}
	return DenyOnce
}

// Prompter asks the user about a call.
type Prompter interface {
	Prompt(ctx context.Context, req Request, d Decision) (Answer, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, req Request, d Decision) (Answer, error)

func (f PrompterFunc) Prompt(ctx context.Context, req Request, d Decision) (Answer, error) {
	return f(ctx, req, d)
}

// AutoAllow approves every question.
var AutoAllow = PrompterFunc(func(context.Context, Request, Decision) (Answer, error) { return AllowOnce, nil })

// AutoDeny refuses every question.
var AutoDeny = PrompterFunc(func(context.Context, Request, Decision) (Answer, error) { return DenyOnce, nil })

// Resolve evaluates req and settles an Ask through p. "Always" answers
// are written to the trust cache. A nil prompter denies.
func (e *Engine) Resolve(ctx context.Context, req Request, p Prompter) (Decision, error) {
	return e.Confirm(ctx, req, e.Evaluate(req), p)
}

// Confirm settles an Ask decision with p, recording "always" answers in the
// trust cache. Other decisions are returned unchanged. Callers use it
// directly when a hook, not a rule, asked for confirmation.
func (e *Engine) Confirm(ctx context.Context, req Request, d Decision, p Prompter) (Decision, error) {
	if d.Behavior != Ask {
		return d, nil
	}
	if d.Question == "" {
		d.Question = question(req)
	}
	if p == nil {
		d.Behavior = Deny
		d.Reason = "permission required and no one to ask"
		return d, nil
	}
	ans, err := p.Prompt(ctx, req, d)
	if err != nil {
		return d, err
	}
	switch ans {
	case AllowAlways:
		e.trust.Set(req.Tool, req.Args, true)
	case DenyAlways:
		e.trust.Set(req.Tool, req.Args, false)
	}
	if ans.Allowed() {
		d.Behavior = Allow
		d.Reason = "allowed by user"
	} else {
		d.Behavior = Deny
		d.Reason = "denied by user"
	}
	e.logger.Info("permission answered", "tool", req.Tool, "behavior", d.Behavior, "always", ans == AllowAlways || ans == DenyAlways)
	return d, nil
}

// BuiltinRules guard against the most destructive shell commands.
func BuiltinRules() []Rule {
	return []Rule{
		{Tool: "*", Command: "rm -rf /", Behavior: Deny, Reason: "refusing to delete the filesystem root", Risk: RiskCritical},
		{Tool: "*", Command: "rm -rf ~*", Behavior: Deny, Reason: "refusing to delete the home directory", Risk: RiskCritical},
		{Tool: "*", Command: "* > /dev/sd*", Behavior: Deny, Reason: "refusing to write to a block device", Risk: RiskCritical},
		{Tool: "*", Command: "sudo *", Behavior: Ask, Risk: RiskHigh},
		{Tool: "*", Command: "git push --force*", Behavior: Ask, Risk: RiskHigh},
	}
}
