package sandbox

import (
	"strconv"
	"strings"
)

// Policy renders the Seatbelt (SBPL) policy for p. workDir is granted write
// access under ProfileStrict so a build can still produce artifacts.
func Policy(p Profile, workDir string) string {
	var sb strings.Builder
	sb.WriteString("(version 1)\n")
	switch p {
	case ProfileStrict:
		sb.WriteString("(deny default)\n")
		sb.WriteString("(allow process-exec)\n")
		sb.WriteString("(allow process-fork)\n")
		sb.WriteString("(allow signal (target self))\n")
		sb.WriteString("(allow sysctl-read)\n")
		sb.WriteString("(allow file-read*)\n")
		sb.WriteString("(allow file-write* (literal \"/dev/null\"))\n")
		if workDir != "" {
			sb.WriteString("(allow file-write* (subpath " + strconv.Quote(workDir) + "))\n")
		}
		sb.WriteString("(deny network*)\n")
	case ProfileReadOnly:
		sb.WriteString("(allow default)\n")
		sb.WriteString("(deny file-write*)\n")
		sb.WriteString("(allow file-write* (literal \"/dev/null\"))\n")
	case ProfileNoNetwork:
		sb.WriteString("(allow default)\n")
		sb.WriteString("(deny network*)\n")
	default:
		sb.WriteString("(allow default)\n")
	}
	return sb.String()
}
