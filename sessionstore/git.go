package sessionstore

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// CaptureGitState reads the branch, HEAD commit and dirty files of the
// repository containing dir. It returns nil, nil when dir is not inside a
// repository.
func CaptureGitState(dir string) (*GitState, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	gs := &GitState{}
	head, err := repo.Head()
	switch {
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		// Unborn branch: no commits yet.
	case err != nil:
		return nil, fmt.Errorf("read HEAD: %w", err)
	default:
		gs.Commit = head.Hash().String()
		if head.Name().IsBranch() {
			gs.Branch = head.Name().Short()
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return gs, nil
	}
	status, err := wt.Status()
	if err != nil {
		return gs, fmt.Errorf("worktree status: %w", err)
	}
	gs.IsDirty = !status.IsClean()
	for path, fs := range status {
		if fs.Staging != git.Unmodified && fs.Staging != git.Untracked {
			gs.Staged = append(gs.Staged, path)
		}
		if fs.Worktree != git.Unmodified && fs.Worktree != git.Untracked {
			gs.Modified = append(gs.Modified, path)
		}
	}
	sort.Strings(gs.Staged)
	sort.Strings(gs.Modified)
	return gs, nil
}

// CurrentBranch returns the branch checked out in the repository
// containing dir, or "" when there is none.
func CurrentBranch(dir string) string {
	gs, err := CaptureGitState(dir)
	if err != nil || gs == nil {
		return ""
	}
	return gs.Branch
}
