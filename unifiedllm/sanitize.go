package unifiedllm

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxErrorMessageLength bounds sanitized error messages, in characters.
const MaxErrorMessageLength = 1024

const redacted = "[REDACTED]"

var (
	bearerPattern = regexp.MustCompile(`(?i)(bearer[ \t]+)[A-Za-z0-9._~+/=-]+`)
	secretPattern = regexp.MustCompile(`(?i)((?:api[_-]?key|token|secret|password|authorization)["']?[ \t]*[:=][ \t]*["']?)[^\s,;"'}&]+`)
)

// Sanitize strips credentials from a provider message and bounds its
// length. Applying it twice yields the same result as applying it once.
func Sanitize(msg string) string {
	msg = bearerPattern.ReplaceAllString(msg, "${1}"+redacted)
	msg = secretPattern.ReplaceAllString(msg, "${1}"+redacted)
	return truncateMessage(msg, MaxErrorMessageLength)
}

func truncateMessage(msg string, limit int) string {
	total := utf8.RuneCountInString(msg)
	if total <= limit {
		return msg
	}
	// Size the suffix for the worst case so the result never exceeds limit.
	keep := limit - len(fmt.Sprintf("\n... [truncated %d chars]", total))
	if keep < 0 {
		keep = 0
	}
	cut := byteOffset(msg, keep)
	// Never split a redaction marker.
	for i := 0; ; {
		j := strings.Index(msg[i:], redacted)
		if j < 0 {
			break
		}
		start := i + j
		if start >= cut {
			break
		}
		if start+len(redacted) > cut {
			cut = start
			break
		}
		i = start + len(redacted)
	}
	removed := total - utf8.RuneCountInString(msg[:cut])
	return msg[:cut] + fmt.Sprintf("\n... [truncated %d chars]", removed)
}

func byteOffset(s string, runes int) int {
	n := 0
	for i := range s {
		if n == runes {
			return i
		}
		n++
	}
	return len(s)
}

// SanitizedError presents a sanitized message while keeping the original
// error reachable for errors.As and classification.
type SanitizedError struct {
	msg string
	err error
}

func (e *SanitizedError) Error() string { return e.msg }
func (e *SanitizedError) Unwrap() error { return e.err }

// SanitizeError wraps err so its message is safe to surface. It is a no-op
// for nil and for errors that are already sanitized.
func SanitizeError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*SanitizedError); ok {
		return err
	}
	return &SanitizedError{msg: Sanitize(err.Error()), err: err}
}
