package sessionstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	metadataFile = "metadata.json"
	messagesFile = "messages.jsonl"
	snapshotsDir = "snapshots"
)

// Store owns a directory of sessions.
type Store struct {
	root   string
	sync   bool
	logger *slog.Logger
	now    func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithSync makes every append fsync the log before returning.
func WithSync(enabled bool) StoreOption {
	return func(s *Store) { s.sync = enabled }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore opens or creates a session root.
func NewStore(root string, opts ...StoreOption) (*Store, error) {
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		root = filepath.Join(home, ".sage", "sessions")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create session root: %w", err)
	}
	s := &Store{root: root, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the session root directory.
func (s *Store) Root() string { return s.root }

func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}

func (s *Store) dir(id string) string { return filepath.Join(s.root, id) }

// Create starts a new session from h. ID, timestamps, version and state are
// filled in when empty.
func (s *Store) Create(h Header) (*Session, error) {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if err := validateID(h.ID); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	h.UpdatedAt = now
	h.Version = Version
	if h.State == "" {
		h.State = StateActive
	}

	dir := s.dir(h.ID)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session %s: %w", h.ID, err)
	}
	sess := newSession(s, dir, h)
	if err := sess.writeHeader(); err != nil {
		return nil, err
	}
	s.logger.Debug("session created", "session_id", h.ID, "dir", dir)
	return sess, nil
}

// Open loads a session header. Messages are read on demand.
func (s *Store) Open(id string) (*Session, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	h, err := s.readHeader(id)
	if err != nil {
		return nil, err
	}
	sess := newSession(s, s.dir(id), *h)
	if err := sess.repairTail(); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) readHeader(id string) (*Header, error) {
	data, err := os.ReadFile(filepath.Join(s.dir(id), metadataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open session %s: %w", id, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("read session header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parse session header %s: %w", id, err)
	}
	return &h, nil
}

// List returns every readable session header, most recently updated first.
func (s *Store) List() ([]Header, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read session root: %w", err)
	}
	var headers []Header
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		h, err := s.readHeader(e.Name())
		if err != nil {
			s.logger.Debug("skipping unreadable session", "dir", e.Name(), "error", err)
			continue
		}
		headers = append(headers, *h)
	}
	sort.Slice(headers, func(i, j int) bool {
		return headers[i].UpdatedAt.After(headers[j].UpdatedAt)
	})
	return headers, nil
}

// Delete removes a session and its snapshots.
func (s *Store) Delete(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	dir := s.dir(id)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete session %s: %w", id, ErrSessionNotFound)
	}
	return os.RemoveAll(dir)
}

// Branch creates a side-chain of parentID. The parent's messages up to and
// including rootMessageID are copied into the new session.
func (s *Store) Branch(parentID, rootMessageID string) (*Session, error) {
	parent, err := s.Open(parentID)
	if err != nil {
		return nil, err
	}
	msgs, err := parent.Messages()
	if err != nil {
		return nil, err
	}
	cut := -1
	for i, m := range msgs {
		if m.ID == rootMessageID {
			cut = i
			break
		}
	}
	if cut < 0 {
		return nil, fmt.Errorf("branch at %s: %w", rootMessageID, ErrMessageNotFound)
	}

	ph := parent.Header()
	child, err := s.Create(Header{
		WorkingDir:      ph.WorkingDir,
		GitBranch:       ph.GitBranch,
		Model:           ph.Model,
		Provider:        ph.Provider,
		ParentID:        parentID,
		BranchMessageID: rootMessageID,
	})
	if err != nil {
		return nil, err
	}
	for _, m := range msgs[:cut+1] {
		if err := child.appendRecord(m); err != nil {
			child.Close()
			if rmErr := os.RemoveAll(child.Dir()); rmErr != nil {
				s.logger.Warn("remove partial branch", "session_id", child.ID(), "error", rmErr)
			}
			return nil, fmt.Errorf("branch at %s: %w", rootMessageID, err)
		}
	}
	s.logger.Info("session branched",
		"parent", parentID, "session_id", child.ID(), "at", rootMessageID, "copied", cut+1)
	return child, nil
}
