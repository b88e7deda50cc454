//go:build !unix

package sandbox

func wrapResourceLimits(_ Limits, name string, args []string) (string, []string) {
	return name, args
}
