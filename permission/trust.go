package permission

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// DefaultTrustTTL is how long a remembered decision lasts.
const DefaultTrustTTL = time.Hour

type trustEntry struct {
	allowed bool
	expires time.Time
}

// TrustCache remembers "always" answers keyed by tool name and a
// fingerprint of the exact arguments.
type TrustCache struct {
	mu      sync.RWMutex
	entries map[string]trustEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewTrustCache creates a cache. A non-positive ttl uses DefaultTrustTTL.
func NewTrustCache(ttl time.Duration) *TrustCache {
	if ttl <= 0 {
		ttl = DefaultTrustTTL
	}
	return &TrustCache{entries: map[string]trustEntry{}, ttl: ttl, now: time.Now}
}

// Fingerprint returns a stable key for a call. Map keys are encoded in
// sorted order, so argument order does not matter but any value change
// does.
func Fingerprint(tool string, args map[string]any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		raw = []byte("!unencodable")
	}
	sum := sha256.New()
	sum.Write([]byte(tool))
	sum.Write([]byte{0})
	sum.Write(raw)
	return tool + ":" + hex.EncodeToString(sum.Sum(nil))[:32]
}

// Get returns the remembered decision for a call.
func (c *TrustCache) Get(tool string, args map[string]any) (allowed, ok bool) {
	key := Fingerprint(tool, args)
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return false, false
	}
	if c.now().After(e.expires) {
		c.mu.Lock()
		if cur, still := c.entries[key]; still && cur.expires.Equal(e.expires) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return false, false
	}
	return e.allowed, true
}

// Set remembers a decision for the exact call.
func (c *TrustCache) Set(tool string, args map[string]any, allowed bool) {
	key := Fingerprint(tool, args)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = trustEntry{allowed: allowed, expires: c.now().Add(c.ttl)}
}

// Forget drops the decision for a call.
func (c *TrustCache) Forget(tool string, args map[string]any) {
	key := Fingerprint(tool, args)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear drops everything.
func (c *TrustCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]trustEntry{}
}

// Len counts entries, including expired ones not yet evicted.
func (c *TrustCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
