package sessionstore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/martinemde/sage/unifiedllm"
)

const previewLen = 100

// index maps message positions to byte offsets in messages.jsonl.
type index struct {
	offsets []int64
	ids     map[string]int
	size    int64
}

// Session is one conversation on disk. A Session is the single writer of
// its log; concurrent readers open their own handles.
type Session struct {
	store *Store
	dir   string

	mu     sync.Mutex
	header Header
	file   *os.File
	idx    *index
	lastID string
}

func newSession(s *Store, dir string, h Header) *Session {
	return &Session{store: s, dir: dir, header: h}
}

// ID returns the session id.
func (s *Session) ID() string { return s.header.ID }

// Dir returns the session directory.
func (s *Session) Dir() string { return s.dir }

func (s *Session) logPath() string { return filepath.Join(s.dir, messagesFile) }

// Header returns a copy of the current header.
func (s *Session) Header() Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.header
	h.ModelSwitches = append([]ModelSwitch(nil), s.header.ModelSwitches...)
	return h
}

// UpdateHeader applies fn to the header and persists it.
func (s *Session) UpdateHeader(fn func(*Header)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.header)
	s.header.UpdatedAt = s.store.now().UTC()
	return s.writeHeader()
}

// SetState records a lifecycle transition.
func (s *Session) SetState(st State) error {
	return s.UpdateHeader(func(h *Header) { h.State = st })
}

// SetSummary stores a short description of the session.
func (s *Session) SetSummary(summary string) error {
	return s.UpdateHeader(func(h *Header) { h.Summary = summary })
}

// RecordModelSwitch notes a fallback and makes the new model current.
func (s *Session) RecordModelSwitch(from, to, reason string) error {
	return s.UpdateHeader(func(h *Header) {
		h.ModelSwitches = append(h.ModelSwitches, ModelSwitch{
			From: from, To: to, Reason: reason, Timestamp: s.store.now().UTC(),
		})
		h.Model = to
	})
}

// Append assigns an id, parent and timestamp where missing and writes m
// to the end of the log. The record is on disk when Append returns.
func (s *Session) Append(m Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureIndex(); err != nil {
		return Message{}, err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.ParentID == "" {
		m.ParentID = s.lastID
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.store.now().UTC()
	}
	if err := s.appendLocked(m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// AppendLLM converts and appends a provider message.
func (s *Session) AppendLLM(m unifiedllm.Message, usage *unifiedllm.Usage, provider, model string) (Message, error) {
	rec := FromLLM(m)
	rec.Usage = usage
	rec.Provider = provider
	rec.Model = model
	return s.Append(rec)
}

func (s *Session) appendRecord(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureIndex(); err != nil {
		return err
	}
	return s.appendLocked(m)
}

func (s *Session) appendLocked(m Message) error {
	if _, dup := s.idx.ids[m.ID]; dup {
		return fmt.Errorf("append message: duplicate id %s", m.ID)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	if s.file == nil {
		f, err := os.OpenFile(s.logPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open message log: %w", err)
		}
		s.file = f
	}
	n, err := s.file.Write(data)
	if err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if s.store.sync {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("sync message log: %w", err)
		}
	}

	s.idx.offsets = append(s.idx.offsets, s.idx.size)
	s.idx.ids[m.ID] = len(s.idx.offsets) - 1
	s.idx.size += int64(n)
	s.lastID = m.ID

	h := &s.header
	h.MessageCount++
	h.UpdatedAt = s.store.now().UTC()
	if m.Usage != nil {
		h.Usage = h.Usage.Add(*m.Usage)
	}
	if m.Model != "" {
		h.Model = m.Model
	}
	if m.Provider != "" {
		h.Provider = m.Provider
	}
	if m.Role == unifiedllm.RoleUser && m.Content != "" && !m.IsBoundary() {
		preview := truncate(m.Content, previewLen)
		if h.FirstPrompt == "" {
			h.FirstPrompt = preview
		}
		h.LastPrompt = preview
	}
	return s.writeHeader()
}

func (s *Session) writeHeader() error {
	data, err := json.MarshalIndent(s.header, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, metadataFile+".*")
	if err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write header: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write header: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, metadataFile)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

// ensureIndex scans the log once, recording where each line starts.
func (s *Session) ensureIndex() error {
	if s.idx != nil {
		return nil
	}
	idx := &index{ids: make(map[string]int)}
	f, err := os.Open(s.logPath())
	if errors.Is(err, fs.ErrNotExist) {
		s.idx = idx
		return nil
	}
	if err != nil {
		return fmt.Errorf("open message log: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			var rec struct {
				ID string `json:"id"`
			}
			if jerr := json.Unmarshal(line, &rec); jerr != nil {
				return fmt.Errorf("index message %d: %w", len(idx.offsets), jerr)
			}
			idx.offsets = append(idx.offsets, idx.size)
			idx.ids[rec.ID] = len(idx.offsets) - 1
			idx.size += int64(len(line))
			s.lastID = rec.ID
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("index message log: %w", err)
		}
	}
	s.idx = idx
	return nil
}

// repairTail drops a trailing partial line left by a crash mid-write.
func (s *Session) repairTail() error {
	f, err := os.Open(s.logPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open message log: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return err
	}

	const chunk = 4096
	end := info.Size()
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, end-1); err != nil {
		return fmt.Errorf("read message log: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}

	keep := int64(0)
	buf := make([]byte, chunk)
	for pos := end; pos > 0; {
		start := max(pos-chunk, 0)
		n, err := f.ReadAt(buf[:pos-start], start)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read message log: %w", err)
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			keep = start + int64(i) + 1
			break
		}
		pos = start
	}
	s.store.logger.Warn("truncating partial record at end of message log",
		"session_id", s.header.ID, "dropped_bytes", end-keep)
	return os.Truncate(s.logPath(), keep)
}

// Len returns the number of records in the log.
func (s *Session) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureIndex(); err != nil {
		return 0, err
	}
	return len(s.idx.offsets), nil
}

// Scan streams records in log order until fn returns an error.
func (s *Session) Scan(fn func(Message) error) error {
	f, err := os.Open(s.logPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open message log: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			var m Message
			if jerr := json.Unmarshal(line, &m); jerr != nil {
				return fmt.Errorf("parse message: %w", jerr)
			}
			if ferr := fn(m); ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read message log: %w", err)
		}
	}
}

// Messages reads the whole log.
func (s *Session) Messages() ([]Message, error) {
	var out []Message
	err := s.Scan(func(m Message) error {
		out = append(out, m)
		return nil
	})
	return out, err
}

// Active returns the live conversation: superseded records are removed,
// and when the log holds a compaction summary the view starts at the last
// one, followed by the records it kept and everything written after it.
func (s *Session) Active() ([]Message, error) {
	all, err := s.Messages()
	if err != nil {
		return nil, err
	}
	replaced := make(map[string]bool)
	for _, m := range all {
		if m.Supersedes != "" {
			replaced[m.Supersedes] = true
		}
	}
	live := all[:0]
	for _, m := range all {
		if !replaced[m.ID] {
			live = append(live, m)
		}
	}
	return fromBoundary(live), nil
}

func fromBoundary(msgs []Message) []Message {
	b := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsBoundary() {
			b = i
			break
		}
	}
	if b < 0 {
		return msgs
	}
	kept := make(map[string]bool, len(msgs[b].Keeps))
	for _, id := range msgs[b].Keeps {
		kept[id] = true
	}
	out := make([]Message, 0, len(kept)+len(msgs)-b)
	out = append(out, msgs[b])
	for _, m := range msgs[:b] {
		if kept[m.ID] {
			out = append(out, m)
		}
	}
	return append(out, msgs[b+1:]...)
}

// AppendBoundary records a compaction summary. kept is how many of the
// most recent live records stay in the conversation after it.
func (s *Session) AppendBoundary(summary unifiedllm.Message, kept int) (Message, error) {
	live, err := s.Active()
	if err != nil {
		return Message{}, err
	}
	kept = min(max(kept, 0), len(live))
	rec := FromLLM(summary)
	rec.Keeps = make([]string, 0, kept)
	for _, m := range live[len(live)-kept:] {
		rec.Keeps = append(rec.Keeps, m.ID)
	}
	return s.Append(rec)
}

// MessageAt reads the i-th record through the offset index.
func (s *Session) MessageAt(i int) (Message, error) {
	s.mu.Lock()
	if err := s.ensureIndex(); err != nil {
		s.mu.Unlock()
		return Message{}, err
	}
	if i < 0 || i >= len(s.idx.offsets) {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("message %d: %w", i, ErrMessageNotFound)
	}
	start := s.idx.offsets[i]
	end := s.idx.size
	if i+1 < len(s.idx.offsets) {
		end = s.idx.offsets[i+1]
	}
	s.mu.Unlock()

	f, err := os.Open(s.logPath())
	if err != nil {
		return Message{}, fmt.Errorf("open message log: %w", err)
	}
	defer f.Close()
	buf := make([]byte, end-start)
	if _, err := f.ReadAt(buf, start); err != nil {
		return Message{}, fmt.Errorf("read message %d: %w", i, err)
	}
	var m Message
	if err := json.Unmarshal(buf, &m); err != nil {
		return Message{}, fmt.Errorf("parse message %d: %w", i, err)
	}
	return m, nil
}

// MessageByID reads one record by id.
func (s *Session) MessageByID(id string) (Message, error) {
	s.mu.Lock()
	if err := s.ensureIndex(); err != nil {
		s.mu.Unlock()
		return Message{}, err
	}
	i, ok := s.idx.ids[id]
	s.mu.Unlock()
	if !ok {
		return Message{}, fmt.Errorf("message %s: %w", id, ErrMessageNotFound)
	}
	return s.MessageAt(i)
}

// Chain follows parent ids from id back to the root and returns the
// records root first.
func (s *Session) Chain(id string) ([]Message, error) {
	var chain []Message
	seen := make(map[string]bool)
	for id != "" {
		if seen[id] {
			return nil, fmt.Errorf("message chain: cycle at %s", id)
		}
		seen[id] = true
		m, err := s.MessageByID(id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, m)
		id = m.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Checkpoints returns the checkpoint manager rooted in this session's
// snapshots directory.
func (s *Session) Checkpoints(opts ...CheckpointOption) *CheckpointManager {
	base := []CheckpointOption{
		WithWorkDir(s.header.WorkingDir),
		WithCheckpointLogger(s.store.logger),
	}
	return NewCheckpointManager(filepath.Join(s.dir, snapshotsDir), append(base, opts...)...)
}

// Close releases the append handle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
