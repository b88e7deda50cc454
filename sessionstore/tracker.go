package sessionstore

import "sync"

// FileTracker remembers which files the agent has said it will change, in
// first-seen order.
type FileTracker struct {
	mu    sync.Mutex
	seen  map[string]bool
	paths []string
}

// NewFileTracker creates an empty tracker.
func NewFileTracker() *FileTracker {
	return &FileTracker{seen: make(map[string]bool)}
}

// Track adds paths not already tracked.
func (t *FileTracker) Track(paths ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range paths {
		if p == "" || t.seen[p] {
			continue
		}
		t.seen[p] = true
		t.paths = append(t.paths, p)
	}
}

// Paths returns a copy of the tracked paths.
func (t *FileTracker) Paths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.paths...)
}

// Len returns the number of tracked paths.
func (t *FileTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.paths)
}

// Reset forgets every path.
func (t *FileTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen = make(map[string]bool)
	t.paths = nil
}
