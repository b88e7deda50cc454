// Package permission decides whether a tool call may run. Rules come from
// four sources with increasing priority: builtin, user, project and
// session. The first matching rule that does not pass through wins. Calls
// that need confirmation are answered from a trust cache before the user
// is asked.
package permission

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Behavior is what a rule does with a matching call.
type Behavior string

const (
	Allow       Behavior = "allow"
	Deny        Behavior = "deny"
	Ask         Behavior = "ask"
	Passthrough Behavior = "passthrough"
)

// Source says where a rule came from.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceUser    Source = "user"
	SourceProject Source = "project"
	SourceSession Source = "session"
)

// Priority orders sources; higher wins.
func (s Source) Priority() int {
	switch s {
	case SourceSession:
		return 3
	case SourceProject:
		return 2
	case SourceUser:
		return 1
	}
	return 0
}

// Sources lists every source from highest to lowest priority.
var Sources = []Source{SourceSession, SourceProject, SourceUser, SourceBuiltin}

// RiskLevel grades how much damage a call can do.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RequiresConfirmation reports whether the level should never be
// auto-approved.
func (r RiskLevel) RequiresConfirmation() bool {
	return r == RiskHigh || r == RiskCritical
}

// Rule matches tool calls by glob. Empty patterns match anything; a
// non-empty Path or Command pattern only matches calls that carry one.
type Rule struct {
	Tool     string    `yaml:"tool" validate:"required"`
	Path     string    `yaml:"path,omitempty"`
	Command  string    `yaml:"command,omitempty"`
	Behavior Behavior  `yaml:"behavior" validate:"required,oneof=allow deny ask passthrough"`
	Reason   string    `yaml:"reason,omitempty"`
	Risk     RiskLevel `yaml:"risk,omitempty" validate:"omitempty,oneof=low medium high critical"`
	Source   Source    `yaml:"-"`
}

func (r Rule) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", r.Behavior, r.Tool)
	if r.Path != "" {
		fmt.Fprintf(&b, " path=%q", r.Path)
	}
	if r.Command != "" {
		fmt.Fprintf(&b, " command=%q", r.Command)
	}
	if r.Source != "" {
		fmt.Fprintf(&b, " (%s)", r.Source)
	}
	return b.String()
}

// Matches reports whether the rule applies to req.
func (r Rule) Matches(req Request) bool {
	if !globMatch(r.Tool, req.Tool, false) {
		return false
	}
	if r.Path != "" && (req.Path == "" || !globMatch(r.Path, req.Path, true)) {
		return false
	}
	if r.Command != "" && (req.Command == "" || !globMatch(r.Command, req.Command, false)) {
		return false
	}
	return true
}

var globCache sync.Map // key -> *regexp.Regexp

// globMatch tests value against a shell-style glob. "?" matches one
// character. With pathMode, "*" stops at "/" and "**" crosses it;
// otherwise "*" matches anything.
func globMatch(pattern, value string, pathMode bool) bool {
	if pattern == "" || pattern == "*" || pattern == "**" {
		return true
	}
	if !strings.ContainsAny(pattern, "*?") {
		return pattern == value
	}
	key := pattern
	if pathMode {
		key = "p:" + pattern
	}
	if v, ok := globCache.Load(key); ok {
		return v.(*regexp.Regexp).MatchString(value)
	}
	re := regexp.MustCompile(globToRegexp(pattern, pathMode))
	globCache.Store(key, re)
	return re.MatchString(value)
}

func globToRegexp(pattern string, pathMode bool) string {
	var b strings.Builder
	b.WriteString("^")
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch c {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				i++
				// "**/" also matches zero directories.
				if pathMode && i+1 < len(runes) && runes[i+1] == '/' {
					i++
					b.WriteString("(?:.*/)?")
					continue
				}
				b.WriteString(".*")
				continue
			}
			if pathMode {
				b.WriteString("[^/]*")
			} else {
				b.WriteString(".*")
			}
		case '?':
			if pathMode {
				b.WriteString("[^/]")
			} else {
				b.WriteString(".")
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return b.String()
}
