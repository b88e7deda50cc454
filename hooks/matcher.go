package hooks

import (
	"regexp"
	"strings"
	"sync"
)

var regexCache sync.Map // pattern -> *regexp.Regexp or nil

// Matches reports whether value satisfies pattern. An empty pattern or "*"
// matches everything. "a|b" matches any alternative exactly or as a
// substring. Patterns containing regex metacharacters are regular
// expressions. Anything else must match exactly.
func Matches(pattern, value string) bool {
	switch {
	case pattern == "" || pattern == "*":
		return true
	case strings.Contains(pattern, "|") && !strings.ContainsAny(pattern, `^$.*+?[](){}\`):
		for _, alt := range strings.Split(pattern, "|") {
			alt = strings.TrimSpace(alt)
			if alt != "" && (value == alt || strings.Contains(value, alt)) {
				return true
			}
		}
		return false
	case strings.ContainsAny(pattern, `^$.*+?[](){}\`):
		if value == pattern {
			return true
		}
		re := compile(pattern)
		return re != nil && re.MatchString(value)
	}
	return value == pattern
}

func compile(pattern string) *regexp.Regexp {
	if v, ok := regexCache.Load(pattern); ok {
		re, _ := v.(*regexp.Regexp)
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		regexCache.Store(pattern, (*regexp.Regexp)(nil))
		return nil
	}
	regexCache.Store(pattern, re)
	return re
}
