// Package sandbox runs external processes under resource limits.
//
// Every execution is bounded by wall-clock time and a per-stream output
// cap. Optional CPU-time and memory limits are applied through the shell's
// ulimit builtin on Unix hosts. An isolation Profile restricts filesystem and
// network access where the host supports it; unsupported profiles are
// rejected instead of silently ignored.
//
// Cancellation is cooperative first: the process group receives SIGTERM and
// is only killed after a grace period.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/martinemde/sage/agenterr"
)

// ErrUnsupportedProfile is returned when the requested isolation profile
// cannot be enforced on this host. It carries agenterr.KindSandbox.
var ErrUnsupportedProfile = &agenterr.Error{Kind: agenterr.KindSandbox, Op: "sandbox", Message: "isolation profile not supported on this platform"}

// Profile selects filesystem and network isolation.
type Profile string

const (
	ProfileNone      Profile = "none"
	ProfileReadOnly  Profile = "read_only"
	ProfileNoNetwork Profile = "no_network"
	ProfileStrict    Profile = "strict"
)

// Limits bounds a single execution. Zero fields fall back to the sandbox
// defaults, except CPU time and memory where zero means unlimited.
type Limits struct {
	MaxWallTime    time.Duration `json:"max_wall_time" yaml:"max_wall_time"`
	MaxOutputBytes int           `json:"max_output_bytes" yaml:"max_output_bytes"`
	MaxCPUTime     time.Duration `json:"max_cpu_time,omitempty" yaml:"max_cpu_time"`
	MaxMemoryBytes int64         `json:"max_memory_bytes,omitempty" yaml:"max_memory_bytes"`
	Grace          time.Duration `json:"grace,omitempty" yaml:"grace"`
}

// DefaultLimits returns the limits applied when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxWallTime:    120 * time.Second,
		MaxOutputBytes: 1 << 20,
		Grace:          2 * time.Second,
	}
}

func (l Limits) withDefaults(d Limits) Limits {
	if l.MaxWallTime <= 0 {
		l.MaxWallTime = d.MaxWallTime
	}
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = d.MaxOutputBytes
	}
	if l.MaxCPUTime <= 0 {
		l.MaxCPUTime = d.MaxCPUTime
	}
	if l.MaxMemoryBytes <= 0 {
		l.MaxMemoryBytes = d.MaxMemoryBytes
	}
	if l.Grace <= 0 {
		l.Grace = d.Grace
	}
	return l
}

// Command describes a process to run.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     map[string]string
	Stdin   string
	Limits  *Limits
	Profile Profile
}

// Execution is the outcome of a finished process.
type Execution struct {
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	ExitCode        int           `json:"exit_code"`
	Duration        time.Duration `json:"duration"`
	TimedOut        bool          `json:"timed_out"`
	Cancelled       bool          `json:"cancelled"`
	ResourceLimited bool          `json:"resource_limited"`
	StdoutTruncated bool          `json:"stdout_truncated,omitempty"`
	StderrTruncated bool          `json:"stderr_truncated,omitempty"`
	PeakMemoryBytes int64         `json:"peak_memory_bytes,omitempty"`
	CPUTime         time.Duration `json:"cpu_time,omitempty"`
}

// Success reports a zero exit with no limit or cancellation flag set.
func (e *Execution) Success() bool {
	return e.ExitCode == 0 && !e.TimedOut && !e.Cancelled && !e.ResourceLimited
}

// Output returns combined stdout and stderr.
func (e *Execution) Output() string {
	if e.Stderr == "" {
		return e.Stdout
	}
	if e.Stdout == "" {
		return e.Stderr
	}
	return e.Stdout + "\n" + e.Stderr
}

// Sandbox executes commands with a default set of limits and profile.
type Sandbox struct {
	limits  Limits
	profile Profile
	workDir string
	logger  *slog.Logger
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithLimits sets the default limits.
func WithLimits(l Limits) Option {
	return func(s *Sandbox) { s.limits = l.withDefaults(DefaultLimits()) }
}

// WithProfile sets the default isolation profile.
func WithProfile(p Profile) Option {
	return func(s *Sandbox) { s.profile = p }
}

// WithWorkDir sets the directory used when a command has none.
func WithWorkDir(dir string) Option {
	return func(s *Sandbox) { s.workDir = dir }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sandbox) { s.logger = l }
}

// New creates a Sandbox.
func New(opts ...Option) *Sandbox {
	s := &Sandbox{
		limits:  DefaultLimits(),
		profile: ProfileNone,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.workDir == "" {
		s.workDir, _ = os.Getwd()
	}
	return s
}

// Limits returns the default limits.
func (s *Sandbox) Limits() Limits { return s.limits }

// Profile returns the default profile.
func (s *Sandbox) Profile() Profile { return s.profile }

// ExecuteShell runs script through the platform shell.
func (s *Sandbox) ExecuteShell(ctx context.Context, script string, cmd Command) (*Execution, error) {
	if runtime.GOOS == "windows" {
		cmd.Name, cmd.Args = "cmd.exe", []string{"/c", script}
	} else {
		cmd.Name, cmd.Args = "/bin/bash", []string{"-c", script}
	}
	return s.Execute(ctx, cmd)
}

// Execute runs cmd to completion. The returned error is non-nil only when the
// process could not be started; limit breaches and cancellation are reported
// through the Execution flags.
func (s *Sandbox) Execute(ctx context.Context, c Command) (*Execution, error) {
	if c.Name == "" {
		return nil, agenterr.New(agenterr.KindSandbox, "sandbox.execute", "empty command")
	}
	limits := s.limits
	if c.Limits != nil {
		limits = c.Limits.withDefaults(s.limits)
	}
	profile := c.Profile
	if profile == "" {
		profile = s.profile
	}
	dir := c.Dir
	if dir == "" {
		dir = s.workDir
	} else if !filepath.IsAbs(dir) {
		dir = filepath.Join(s.workDir, dir)
	}

	name, args := c.Name, c.Args
	name, args = wrapResourceLimits(limits, name, args)
	name, args, err := wrapProfile(profile, dir, name, args)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = buildEnv(c.Env)
	setProcessGroup(cmd)
	// Bounds how long Wait blocks on pipes held open by orphaned descendants.
	cmd.WaitDelay = limits.Grace

	stdout := newCappedBuffer(limits.MaxOutputBytes)
	stderr := newCappedBuffer(limits.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, agenterr.Wrap(agenterr.KindSandbox, "sandbox.start", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	wall := time.NewTimer(limits.MaxWallTime)
	defer wall.Stop()

	res := &Execution{}
	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.TimedOut = true
		} else {
			res.Cancelled = true
		}
		waitErr = s.stop(cmd, done, limits.Grace)
	case <-wall.C:
		res.TimedOut = true
		waitErr = s.stop(cmd, done, limits.Grace)
	}

	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.StdoutTruncated = stdout.Truncated()
	res.StderrTruncated = stderr.Truncated()
	res.ExitCode = exitCode(cmd, waitErr)
	if res.TimedOut || res.Cancelled {
		res.ExitCode = -1
	}

	if cmd.ProcessState != nil {
		res.CPUTime = cmd.ProcessState.UserTime() + cmd.ProcessState.SystemTime()
		res.PeakMemoryBytes = peakMemory(cmd.ProcessState)
		if killedByResourceLimit(cmd.ProcessState) {
			res.ResourceLimited = true
		}
	}
	if limits.MaxCPUTime > 0 && res.CPUTime >= limits.MaxCPUTime {
		res.ResourceLimited = true
	}
	if limits.MaxMemoryBytes > 0 && res.PeakMemoryBytes >= limits.MaxMemoryBytes {
		res.ResourceLimited = true
	}

	s.logger.Debug("sandbox execution finished",
		"command", c.Name,
		"exit_code", res.ExitCode,
		"duration", res.Duration,
		"timed_out", res.TimedOut,
		"cancelled", res.Cancelled,
		"resource_limited", res.ResourceLimited,
	)
	return res, nil
}

// stop terminates the process group: SIGTERM first, SIGKILL after grace.
func (s *Sandbox) stop(cmd *exec.Cmd, done <-chan error, grace time.Duration) error {
	if err := terminateGroup(cmd); err != nil {
		s.logger.Debug("sandbox terminate failed", "error", err)
	}
	select {
	case err := <-done:
		return err
	case <-time.After(grace):
	}
	if err := killGroup(cmd); err != nil {
		s.logger.Debug("sandbox kill failed", "error", err)
	}
	return <-done
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// ParseProfile converts a configuration string into a Profile.
func ParseProfile(s string) (Profile, error) {
	switch p := Profile(strings.ToLower(strings.TrimSpace(s))); p {
	case "", ProfileNone:
		return ProfileNone, nil
	case ProfileReadOnly, ProfileNoNetwork, ProfileStrict:
		return p, nil
	}
	return "", fmt.Errorf("sandbox: unknown profile %q", s)
}
