package agentloop

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/martinemde/sage/sessionstore"
)

const (
	maxProjectDocBytes = 32 * 1024
	recentCommits      = 10
)

// BuildEnvironmentContext generates the structured environment context block.
func BuildEnvironmentContext(env ExecutionEnvironment, model string) string {
	workingDir := env.WorkingDirectory()
	root := gitRoot(workingDir)

	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", workingDir)
	fmt.Fprintf(&sb, "Is git repository: %v\n", root != "")
	if branch := sessionstore.CurrentBranch(workingDir); branch != "" {
		fmt.Fprintf(&sb, "Git branch: %s\n", branch)
	}
	fmt.Fprintf(&sb, "Platform: %s\n", env.Platform())
	fmt.Fprintf(&sb, "OS version: %s\n", env.OSVersion())
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// DiscoverProjectDocs loads AGENTS.md plus extra instruction files from every
// directory between the repository root (or workingDir) and workingDir.
// The total is capped at 32KB.
func DiscoverProjectDocs(workingDir string, extra []string) string {
	root := gitRoot(workingDir)
	if root == "" {
		root = workingDir
	}
	names := append([]string{"AGENTS.md"}, extra...)

	var docs []string
	total := 0
	for _, dir := range collectPathHierarchy(root, workingDir) {
		for _, name := range names {
			content, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			remaining := maxProjectDocBytes - total
			if remaining <= 0 {
				docs = append(docs, "[Project instructions truncated at 32KB]")
				return strings.Join(docs, "\n\n---\n\n")
			}
			text := string(content)
			if len(text) > remaining {
				text = text[:remaining] + "\n[Project instructions truncated at 32KB]"
			}
			docs = append(docs, fmt.Sprintf("# %s (from %s)\n\n%s", name, dir, text))
			total += len(text)
		}
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// GetGitContext summarizes the branch, dirty files and recent commits of
// the repository containing workingDir. It returns "" outside a repository.
func GetGitContext(workingDir string) string {
	gs, err := sessionstore.CaptureGitState(workingDir)
	if err != nil || gs == nil {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("<git_context>\n")
	if gs.Branch != "" {
		fmt.Fprintf(&sb, "Branch: %s\n", gs.Branch)
	}
	if n := len(gs.Modified) + len(gs.Staged); n > 0 {
		fmt.Fprintf(&sb, "Modified or staged files: %d\n", n)
	}
	if log := recentLog(workingDir, recentCommits); log != "" {
		sb.WriteString("Recent commits:\n")
		sb.WriteString(log)
	}
	sb.WriteString("</git_context>")
	return sb.String()
}

func openRepo(dir string) (*git.Repository, error) {
	return git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
}

func gitRoot(dir string) string {
	repo, err := openRepo(dir)
	if err != nil {
		return ""
	}
	wt, err := repo.Worktree()
	if err != nil {
		return ""
	}
	return wt.Filesystem.Root()
}

// recentLog renders up to n commits from HEAD as "<short hash> <subject>".
func recentLog(dir string, n int) string {
	repo, err := openRepo(dir)
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return ""
	}
	defer iter.Close()

	var sb strings.Builder
	count := 0
	stop := errors.New("stop")
	_ = iter.ForEach(func(c *object.Commit) error {
		if count >= n {
			return stop
		}
		subject, _, _ := strings.Cut(c.Message, "\n")
		fmt.Fprintf(&sb, "%s %s\n", c.Hash.String()[:7], subject)
		count++
		return nil
	})
	return sb.String()
}

// collectPathHierarchy returns directories from root to target, inclusive.
func collectPathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	dirs := []string{root}
	if root == target {
		return dirs
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return dirs
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." {
			continue
		}
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}
