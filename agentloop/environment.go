package agentloop

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/martinemde/sage/sandbox"
)

// GrepOptions configures grep behavior.
type GrepOptions struct {
	GlobFilter      string `json:"glob_filter,omitempty"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
	MaxResults      int    `json:"max_results,omitempty"`
}

// ExecutionEnvironment abstracts where tool operations run.
type ExecutionEnvironment interface {
	// File operations. Relative paths resolve against WorkingDirectory.
	ReadFile(path string, offset, limit int) (string, error)
	ReadRaw(path string) (string, error)
	WriteFile(path string, content string) error
	FileExists(path string) bool
	Resolve(path string) string

	// Command execution. A zero timeout uses the sandbox default.
	ExecCommand(ctx context.Context, command string, timeout time.Duration, workingDir string, envVars map[string]string) (*sandbox.Execution, error)

	// Search operations.
	Grep(ctx context.Context, pattern string, path string, options GrepOptions) (string, error)
	Glob(pattern string, path string) ([]string, error)

	// Metadata.
	WorkingDirectory() string
	Platform() string
	OSVersion() string
}

// LocalEnvironment runs tools on the local machine, with every process
// going through a sandbox.
type LocalEnvironment struct {
	workingDir string
	sandbox    *sandbox.Sandbox
}

// NewLocalEnvironment creates a local environment rooted at workingDir
// (the process working directory when empty). A nil sandbox gets the
// default limits.
func NewLocalEnvironment(workingDir string, sb *sandbox.Sandbox) *LocalEnvironment {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	if abs, err := filepath.Abs(workingDir); err == nil {
		workingDir = abs
	}
	if sb == nil {
		sb = sandbox.New(sandbox.WithWorkDir(workingDir))
	}
	return &LocalEnvironment{workingDir: workingDir, sandbox: sb}
}

// Sandbox returns the sandbox commands run in.
func (e *LocalEnvironment) Sandbox() *sandbox.Sandbox { return e.sandbox }

func (e *LocalEnvironment) WorkingDirectory() string { return e.workingDir }

func (e *LocalEnvironment) Platform() string { return runtime.GOOS }

func (e *LocalEnvironment) OSVersion() string { return runtime.GOOS + "/" + runtime.GOARCH }

// Resolve makes path absolute against the working directory.
func (e *LocalEnvironment) Resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(e.workingDir, path)
}

// ReadFile returns line-numbered content. offset is 1-based; limit <= 0
// reads to the end.
func (e *LocalEnvironment) ReadFile(path string, offset, limit int) (string, error) {
	raw, err := e.ReadRaw(path)
	if err != nil {
		return "", err
	}
	lines := strings.Split(raw, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	startLine := 0
	if offset > 0 {
		startLine = offset - 1
	}
	if startLine >= len(lines) {
		return "", nil
	}
	endLine := len(lines)
	if limit > 0 && startLine+limit < endLine {
		endLine = startLine + limit
	}

	var sb strings.Builder
	for i := startLine; i < endLine; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	return sb.String(), nil
}

// ReadRaw returns the file content unchanged.
func (e *LocalEnvironment) ReadRaw(path string) (string, error) {
	data, err := os.ReadFile(e.Resolve(path))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func (e *LocalEnvironment) WriteFile(path string, content string) error {
	resolved := e.Resolve(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("write %s: create directory: %w", path, err)
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(resolved); err == nil {
		mode = info.Mode().Perm()
	}
	return os.WriteFile(resolved, []byte(content), mode)
}

func (e *LocalEnvironment) FileExists(path string) bool {
	_, err := os.Stat(e.Resolve(path))
	return err == nil
}

// ExecCommand runs command through the shell inside the sandbox.
func (e *LocalEnvironment) ExecCommand(ctx context.Context, command string, timeout time.Duration, workingDir string, envVars map[string]string) (*sandbox.Execution, error) {
	dir := e.workingDir
	if workingDir != "" {
		dir = e.Resolve(workingDir)
	}
	limits := e.sandbox.Limits()
	if timeout > 0 {
		limits.MaxWallTime = timeout
	}
	return e.sandbox.ExecuteShell(ctx, command, sandbox.Command{
		Dir:    dir,
		Env:    envVars,
		Limits: &limits,
	})
}

// Grep searches with ripgrep when installed, grep otherwise. No matches is
// not an error.
func (e *LocalEnvironment) Grep(ctx context.Context, pattern string, path string, options GrepOptions) (string, error) {
	if path == "" {
		path = e.workingDir
	} else {
		path = e.Resolve(path)
	}

	var cmd sandbox.Command
	if rg, err := exec.LookPath("rg"); err == nil {
		args := []string{"--line-number", "--no-heading"}
		if options.CaseInsensitive {
			args = append(args, "-i")
		}
		if options.GlobFilter != "" {
			args = append(args, "--glob", options.GlobFilter)
		}
		if options.MaxResults > 0 {
			args = append(args, "--max-count", fmt.Sprint(options.MaxResults))
		}
		cmd = sandbox.Command{Name: rg, Args: append(args, "-e", pattern, path)}
	} else {
		args := []string{"-rnE"}
		if options.CaseInsensitive {
			args = append(args, "-i")
		}
		if options.GlobFilter != "" {
			args = append(args, "--include", options.GlobFilter)
		}
		if options.MaxResults > 0 {
			args = append(args, "-m", fmt.Sprint(options.MaxResults))
		}
		cmd = sandbox.Command{Name: "grep", Args: append(args, "-e", pattern, path)}
	}
	cmd.Dir = e.workingDir

	res, err := e.sandbox.Execute(ctx, cmd)
	if err != nil {
		return "", err
	}
	switch {
	case res.Cancelled:
		return "", context.Canceled
	case res.TimedOut:
		return "", errors.New("grep timed out")
	case res.ExitCode > 1:
		return "", fmt.Errorf("grep failed: %s", strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

// Glob matches pattern under path. A leading "**/" matches at any depth.
// Results are relative to the working directory and sorted.
func (e *LocalEnvironment) Glob(pattern string, path string) ([]string, error) {
	if path == "" {
		path = e.workingDir
	} else {
		path = e.Resolve(path)
	}

	var matches []string
	if rest, ok := strings.CutPrefix(pattern, "**/"); ok {
		err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() && d.Name() == ".git" {
				return filepath.SkipDir
			}
			rel, _ := filepath.Rel(path, p)
			if ok, _ := filepath.Match(rest, d.Name()); ok && !strings.Contains(rest, "/") {
				matches = append(matches, p)
			} else if ok, _ := filepath.Match(rest, rel); ok {
				matches = append(matches, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("glob: %w", err)
		}
	} else {
		var err error
		matches, err = filepath.Glob(filepath.Join(path, pattern))
		if err != nil {
			return nil, fmt.Errorf("glob: %w", err)
		}
	}

	result := make([]string, len(matches))
	for i, m := range matches {
		if rel, err := filepath.Rel(e.workingDir, m); err == nil {
			result[i] = rel
		} else {
			result[i] = m
		}
	}
	sort.Strings(result)
	return result, nil
}
