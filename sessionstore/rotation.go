package sessionstore

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// RotationPolicy caps the sessions kept on disk. Zero fields are
// unlimited.
type RotationPolicy struct {
	MaxSessions int   `yaml:"max_sessions" validate:"gte=0"`
	MaxBytes    int64 `yaml:"max_bytes" validate:"gte=0"`
}

type sessionUsage struct {
	id      string
	modTime time.Time
	bytes   int64
}

// Prune deletes the least recently modified sessions until policy holds.
// Sessions named in keep are never deleted. It returns the deleted ids.
func (s *Store) Prune(policy RotationPolicy, keep ...string) ([]string, error) {
	if policy.MaxSessions <= 0 && policy.MaxBytes <= 0 {
		return nil, nil
	}
	protected := make(map[string]bool, len(keep))
	for _, id := range keep {
		protected[id] = true
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var sessions []sessionUsage
	var total int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		u := sessionUsage{id: e.Name()}
		dir := s.dir(e.Name())
		_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			u.bytes += info.Size()
			if info.ModTime().After(u.modTime) {
				u.modTime = info.ModTime()
			}
			return nil
		})
		total += u.bytes
		sessions = append(sessions, u)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].modTime.Before(sessions[j].modTime) })

	count := len(sessions)
	over := func() bool {
		return (policy.MaxSessions > 0 && count > policy.MaxSessions) ||
			(policy.MaxBytes > 0 && total > policy.MaxBytes)
	}

	var removed []string
	for _, u := range sessions {
		if !over() {
			break
		}
		if protected[u.id] {
			continue
		}
		if err := os.RemoveAll(s.dir(u.id)); err != nil {
			return removed, err
		}
		count--
		total -= u.bytes
		removed = append(removed, u.id)
	}
	if len(removed) > 0 {
		s.logger.Info("pruned sessions", "removed", len(removed), "remaining", count, "bytes", total)
	}
	return removed, nil
}
