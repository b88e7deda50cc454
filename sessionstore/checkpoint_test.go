package sessionstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, opts ...CheckpointOption) (*CheckpointManager, string) {
	t.Helper()
	work := t.TempDir()
	base := []CheckpointOption{WithWorkDir(work), WithGitState(false)}
	return NewCheckpointManager(filepath.Join(t.TempDir(), "snapshots"), append(base, opts...)...), work
}

func TestCheckpointRestore(t *testing.T) {
	m, work := newTestManager(t)
	path := filepath.Join(work, "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("A"), 0o644))

	cp, err := m.Create(context.Background(), CheckpointPreTool, "before edit", []string{"file.txt"})
	require.NoError(t, err)
	assert.True(t, cp.CanRestore)
	require.Len(t, cp.Files, 1)
	assert.Equal(t, path, cp.Files[0].Path)
	require.NotNil(t, cp.Files[0].State.Content)
	assert.Equal(t, "A", *cp.Files[0].State.Content)

	require.NoError(t, os.WriteFile(path, []byte("B"), 0o644))

	report, err := m.Restore(context.Background(), cp.ID)
	require.NoError(t, err)
	assert.True(t, report.Success())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "A", string(data))
}

func TestCheckpointRestoreRemovesCreatedFiles(t *testing.T) {
	m, work := newTestManager(t)

	cp, err := m.Create(context.Background(), CheckpointPreTool, "before create", []string{"new.txt"})
	require.NoError(t, err)
	require.Len(t, cp.Files, 1)
	assert.True(t, cp.Files[0].State.Missing)

	path := filepath.Join(work, "new.txt")
	require.NoError(t, os.WriteFile(path, []byte("created"), 0o644))

	report, err := m.Restore(context.Background(), cp.ID)
	require.NoError(t, err)
	assert.True(t, report.Success())
	assert.NoFileExists(t, path)
}

func TestCheckpointExternalizesBlobs(t *testing.T) {
	m, work := newTestManager(t, WithInlineLimit(0))
	path := filepath.Join(work, "bin.dat")
	original := []byte{0x00, 0xff, 0x10, 'x', 0x80}
	require.NoError(t, os.WriteFile(path, original, 0o600))

	cp, err := m.Create(context.Background(), CheckpointManual, "binary", []string{path})
	require.NoError(t, err)
	state := cp.Files[0].State
	assert.Nil(t, state.Content)
	assert.Equal(t, "content/"+state.Hash, state.Ref)
	assert.FileExists(t, filepath.Join(m.dir, contentDir, state.Hash))

	require.NoError(t, os.WriteFile(path, []byte("clobbered"), 0o600))
	report, err := m.Restore(context.Background(), cp.ID)
	require.NoError(t, err)
	assert.True(t, report.Success())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, data)
}

func TestCheckpointIncludesTrackedFiles(t *testing.T) {
	m, work := newTestManager(t)
	a := filepath.Join(work, "a.txt")
	b := filepath.Join(work, "b.txt")
	require.NoError(t, os.WriteFile(a, []byte("a1"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("b1"), 0o644))

	_, err := m.Create(context.Background(), CheckpointPreTool, "first", []string{"a.txt"})
	require.NoError(t, err)
	cp, err := m.Create(context.Background(), CheckpointPreTool, "second", []string{"b.txt"})
	require.NoError(t, err)

	paths := []string{cp.Files[0].Path, cp.Files[1].Path}
	assert.Equal(t, []string{a, b}, paths)
	assert.Equal(t, 2, m.Tracker().Len())
}

func TestCheckpointRestoreReportsCorruption(t *testing.T) {
	m, work := newTestManager(t, WithInlineLimit(0))
	path := filepath.Join(work, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("keep me"), 0o644))
	cp, err := m.Create(context.Background(), CheckpointManual, "", []string{path})
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(m.dir, filepath.FromSlash(cp.Files[0].State.Ref))))
	report, err := m.Restore(context.Background(), cp.ID)
	require.NoError(t, err)
	assert.False(t, report.Success())
	assert.NotEmpty(t, report.Files[0].Error)
}

func TestCheckpointListLoadDelete(t *testing.T) {
	m, _ := newTestManager(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	first, err := m.Create(context.Background(), CheckpointManual, "one", nil)
	require.NoError(t, err)
	second, err := m.Create(context.Background(), CheckpointAuto, "two", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	list, err := m.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)

	loaded, err := m.Load(second.ID)
	require.NoError(t, err)
	assert.Equal(t, "two", loaded.Description)

	require.NoError(t, m.Delete(first.ID))
	_, err = m.Load(first.ID)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
	_, err = m.Restore(context.Background(), first.ID)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestCaptureGitState(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("a.txt")
	require.NoError(t, err)
	hash, err := wt.Commit("init", &git.CommitOptions{
		Author: &object.Signature{Name: "t", Email: "t@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	gs, err := CaptureGitState(dir)
	require.NoError(t, err)
	require.NotNil(t, gs)
	assert.Equal(t, hash.String(), gs.Commit)
	assert.Equal(t, "master", gs.Branch)
	assert.False(t, gs.IsDirty)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("two"), 0o644))
	gs, err = CaptureGitState(dir)
	require.NoError(t, err)
	assert.True(t, gs.IsDirty)
	assert.Equal(t, []string{"a.txt"}, gs.Modified)
	assert.Empty(t, gs.Staged)
}

func TestSessionCheckpointsCaptureGit(t *testing.T) {
	dir := t.TempDir()
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	store := newTestStore(t)
	sess, err := store.Create(Header{WorkingDir: dir})
	require.NoError(t, err)

	cp, err := sess.Checkpoints().Create(context.Background(), CheckpointManual, "empty repo", nil)
	require.NoError(t, err)
	require.NotNil(t, cp.GitState)
	assert.Empty(t, cp.GitState.Commit)
	assert.FileExists(t, filepath.Join(sess.Dir(), snapshotsDir, cp.ID+".json"))
}
