package sessionstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
)

// DefaultInlineLimit is the largest text file stored inside the
// checkpoint JSON rather than in the content store.
const DefaultInlineLimit = 32 * 1024

const contentDir = "content"

// CheckpointOption configures a CheckpointManager.
type CheckpointOption func(*CheckpointManager)

// WithWorkDir resolves relative paths and locates the git repository.
func WithWorkDir(dir string) CheckpointOption {
	return func(m *CheckpointManager) { m.workDir = dir }
}

// WithInlineLimit sets the inline size threshold. Zero externalizes every
// file.
func WithInlineLimit(n int64) CheckpointOption {
	return func(m *CheckpointManager) { m.inlineLimit = n }
}

// WithTracker shares a FileTracker whose paths are included in every
// checkpoint.
func WithTracker(t *FileTracker) CheckpointOption {
	return func(m *CheckpointManager) { m.tracker = t }
}

// WithGitState toggles capturing repository state.
func WithGitState(enabled bool) CheckpointOption {
	return func(m *CheckpointManager) { m.gitState = enabled }
}

// WithCheckpointLogger sets the logger.
func WithCheckpointLogger(l *slog.Logger) CheckpointOption {
	return func(m *CheckpointManager) { m.logger = l }
}

// CheckpointManager writes and restores checkpoints under one directory.
// Blobs are content-addressed, so concurrent writers of the same content
// produce the same file.
type CheckpointManager struct {
	dir         string
	workDir     string
	inlineLimit int64
	gitState    bool
	tracker     *FileTracker
	logger      *slog.Logger
	now         func() time.Time

	mu sync.Mutex
}

// NewCheckpointManager creates a manager storing checkpoints in dir.
func NewCheckpointManager(dir string, opts ...CheckpointOption) *CheckpointManager {
	m := &CheckpointManager{
		dir:         dir,
		inlineLimit: DefaultInlineLimit,
		gitState:    true,
		tracker:     NewFileTracker(),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Tracker returns the file tracker feeding this manager.
func (m *CheckpointManager) Tracker() *FileTracker { return m.tracker }

func (m *CheckpointManager) resolve(path string) string {
	if !filepath.IsAbs(path) && m.workDir != "" {
		path = filepath.Join(m.workDir, path)
	}
	return filepath.Clean(path)
}

// Create snapshots paths plus every tracked path as they are now. Paths
// that do not exist are recorded as missing.
func (m *CheckpointManager) Create(ctx context.Context, typ CheckpointType, description string, paths []string) (*Checkpoint, error) {
	for _, p := range paths {
		m.tracker.Track(m.resolve(p))
	}
	all := m.tracker.Paths()

	if err := os.MkdirAll(filepath.Join(m.dir, contentDir), 0o700); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	cp := &Checkpoint{
		Type:        typ,
		Description: description,
		Timestamp:   m.now().UTC(),
		CanRestore:  true,
	}
	for _, p := range all {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		state, err := m.snapshotFile(p)
		if err != nil {
			m.logger.Warn("checkpoint skipped file", "path", p, "error", err)
			cp.CanRestore = false
			continue
		}
		cp.Files = append(cp.Files, FileSnapshot{Path: p, State: state})
	}

	if m.gitState && m.workDir != "" {
		gs, err := CaptureGitState(m.workDir)
		if err != nil {
			m.logger.Debug("git state unavailable", "dir", m.workDir, "error", err)
		}
		cp.GitState = gs
	}
	cp.ID = checkpointID(cp)

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.WriteFile(filepath.Join(m.dir, cp.ID+".json"), data, 0o600); err != nil {
		return nil, fmt.Errorf("write checkpoint: %w", err)
	}
	m.logger.Debug("checkpoint created", "checkpoint_id", cp.ID, "type", typ, "files", len(cp.Files))
	return cp, nil
}

func (m *CheckpointManager) snapshotFile(path string) (FileState, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return FileState{Missing: true}, nil
	}
	if err != nil {
		return FileState{}, err
	}
	if info.IsDir() {
		return FileState{}, fmt.Errorf("%s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return FileState{}, err
	}
	state := FileState{
		Hash: hashBytes(data),
		Size: int64(len(data)),
		Mode: uint32(info.Mode().Perm()),
	}
	if int64(len(data)) <= m.inlineLimit && utf8.Valid(data) {
		content := string(data)
		state.Content = &content
		return state, nil
	}
	if err := m.writeBlob(state.Hash, data); err != nil {
		return FileState{}, err
	}
	state.Ref = filepath.ToSlash(filepath.Join(contentDir, state.Hash))
	return state, nil
}

func (m *CheckpointManager) writeBlob(hash string, data []byte) error {
	path := filepath.Join(m.dir, contentDir, hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return fmt.Errorf("compress blob: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress blob: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), hash+".*")
	if err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write blob: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func (m *CheckpointManager) readBlob(ref string) ([]byte, error) {
	f, err := os.Open(filepath.Join(m.dir, filepath.FromSlash(ref)))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// Load reads one checkpoint.
func (m *CheckpointManager) Load(id string) (*Checkpoint, error) {
	if strings.ContainsAny(id, `/\`) || id == "" {
		return nil, fmt.Errorf("checkpoint %q: %w", id, ErrCheckpointNotFound)
	}
	data, err := os.ReadFile(filepath.Join(m.dir, id+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrCheckpointNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", id, err)
	}
	return &cp, nil
}

// List returns all checkpoints, oldest first.
func (m *CheckpointManager) List() ([]Checkpoint, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshots: %w", err)
	}
	var out []Checkpoint
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		cp, err := m.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			m.logger.Debug("skipping unreadable checkpoint", "file", name, "error", err)
			continue
		}
		out = append(out, *cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Delete removes a checkpoint record. Blobs are left for other
// checkpoints that may share them.
func (m *CheckpointManager) Delete(id string) error {
	if _, err := m.Load(id); err != nil {
		return err
	}
	return os.Remove(filepath.Join(m.dir, id+".json"))
}

// FileRestore is the outcome for one path.
type FileRestore struct {
	Path     string `json:"path"`
	Restored bool   `json:"restored"`
	Error    string `json:"error,omitempty"`
}

// RestoreReport lists per-file results. Restore is best effort.
type RestoreReport struct {
	CheckpointID string        `json:"checkpoint_id"`
	Files        []FileRestore `json:"files"`
}

// Success reports whether every file was restored.
func (r *RestoreReport) Success() bool {
	for _, f := range r.Files {
		if !f.Restored {
			return false
		}
	}
	return true
}

// Restore writes every recorded file back to its checkpointed content.
func (m *CheckpointManager) Restore(ctx context.Context, id string) (*RestoreReport, error) {
	cp, err := m.Load(id)
	if err != nil {
		return nil, err
	}
	report := &RestoreReport{CheckpointID: id}
	for _, f := range cp.Files {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res := FileRestore{Path: f.Path}
		if err := m.restoreFile(f); err != nil {
			res.Error = err.Error()
			m.logger.Warn("restore failed", "checkpoint_id", id, "path", f.Path, "error", err)
		} else {
			res.Restored = true
		}
		report.Files = append(report.Files, res)
	}
	m.logger.Info("checkpoint restored", "checkpoint_id", id, "files", len(report.Files), "complete", report.Success())
	return report, nil
}

func (m *CheckpointManager) restoreFile(f FileSnapshot) error {
	if f.State.Missing {
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	var data []byte
	switch {
	case f.State.Content != nil:
		data = []byte(*f.State.Content)
	case f.State.Ref != "":
		blob, err := m.readBlob(f.State.Ref)
		if err != nil {
			return fmt.Errorf("read blob: %w", err)
		}
		data = blob
	default:
		return errors.New("snapshot has neither content nor ref")
	}
	if got := hashBytes(data); got != f.State.Hash {
		return fmt.Errorf("content hash mismatch: want %s, got %s", f.State.Hash, got)
	}
	mode := fs.FileMode(f.State.Mode)
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(f.Path, data, mode)
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// checkpointID hashes the checkpoint manifest.
func checkpointID(cp *Checkpoint) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00", cp.Type, cp.Description, cp.Timestamp.UnixNano())
	for _, f := range cp.Files {
		fmt.Fprintf(h, "%s\x00%s\x00%t\x00", f.Path, f.State.Hash, f.State.Missing)
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
