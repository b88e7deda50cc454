//go:build unix && !darwin

package sandbox

// ru_maxrss is in kilobytes.
const maxrssUnit = 1024
