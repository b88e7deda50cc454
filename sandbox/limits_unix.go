//go:build unix

package sandbox

import (
	"fmt"
	"strings"
)

// wrapResourceLimits re-executes the command under /bin/sh with ulimit
// applied when CPU or memory limits are set.
func wrapResourceLimits(l Limits, name string, args []string) (string, []string) {
	var steps []string
	if l.MaxCPUTime > 0 {
		secs := int64((l.MaxCPUTime + 999_999_999) / 1_000_000_000)
		steps = append(steps, fmt.Sprintf("ulimit -t %d", secs))
	}
	if l.MaxMemoryBytes > 0 {
		steps = append(steps, fmt.Sprintf("ulimit -v %d", (l.MaxMemoryBytes+1023)/1024))
	}
	if len(steps) == 0 {
		return name, args
	}
	script := strings.Join(steps, " && ") + ` && exec "$0" "$@"`
	return "/bin/sh", append([]string{"-c", script, name}, args...)
}
