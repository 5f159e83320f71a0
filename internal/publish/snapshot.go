package publish

import (
	"encoding/json"
	"sync"
	"time"
)

// SnapshotCache holds the last-known payload per (subject, kind) so a new
// subscriber can be primed without waiting for the next publication.
// Implements the hub's SnapshotSource and SnapshotRecorder.
type SnapshotCache struct {
	mu      sync.RWMutex
	entries map[snapshotKey]snapshotEntry
	ttl     time.Duration
}

type snapshotKey struct {
	subject string
	kind    string
}

type snapshotEntry struct {
	payload    json.RawMessage
	recordedAt time.Time
}

// NewSnapshotCache creates a cache. Entries older than ttl are treated as
// absent; ttl <= 0 disables expiry.
func NewSnapshotCache(ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{
		entries: make(map[snapshotKey]snapshotEntry),
		ttl:     ttl,
	}
}

// Record replaces the last-known payload for a stream.
func (c *SnapshotCache) Record(subjectKey, kind string, payload json.RawMessage) {
	c.mu.Lock()
	c.entries[snapshotKey{subjectKey, kind}] = snapshotEntry{
		payload:    payload,
		recordedAt: time.Now(),
	}
	c.mu.Unlock()
}

// Snapshot returns the last-known payload for a stream, if fresh.
func (c *SnapshotCache) Snapshot(subjectKey, kind string) (json.RawMessage, bool) {
	c.mu.RLock()
	entry, ok := c.entries[snapshotKey{subjectKey, kind}]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && time.Since(entry.recordedAt) > c.ttl {
		return nil, false
	}
	return entry.payload, true
}

// Forget drops a stream's snapshot.
func (c *SnapshotCache) Forget(subjectKey, kind string) {
	c.mu.Lock()
	delete(c.entries, snapshotKey{subjectKey, kind})
	c.mu.Unlock()
}

func receiptTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
