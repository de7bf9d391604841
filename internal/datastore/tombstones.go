package datastore

import (
	"sync"
	"time"
)

// Tombstones remembers ids removed locally so the change feed reports them as
// deletions even while the engine still emits events for their remaining
// revisions. An entry lives until a grace period after its deletion was
// observed on the feed.
type Tombstones struct {
	mu       sync.Mutex
	entries  map[string]tombstone
	capacity int
	grace    time.Duration
	now      func() time.Time
}

type tombstone struct {
	added   time.Time
	expires time.Time
}

// NewTombstones creates a tombstone set. Capacity bounds memory; the oldest
// entry is evicted when it is exceeded.
func NewTombstones(capacity int, grace time.Duration) *Tombstones {
	if capacity <= 0 {
		capacity = 10000
	}
	if grace <= 0 {
		grace = time.Minute
	}
	return &Tombstones{
		entries:  make(map[string]tombstone),
		capacity: capacity,
		grace:    grace,
		now:      time.Now,
	}
}

// Add marks id as being deleted
func (t *Tombstones) Add(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked()
	if _, ok := t.entries[id]; !ok && len(t.entries) >= t.capacity {
		t.evictOldestLocked()
	}
	t.entries[id] = tombstone{added: t.now()}
}

// Confirm starts the expiry of id once its deletion has been observed
func (t *Tombstones) Confirm(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts, ok := t.entries[id]
	if !ok || !ts.expires.IsZero() {
		return
	}
	ts.expires = t.now().Add(t.grace)
	t.entries[id] = ts
}

// Forget drops id, e.g. after a failed removal or a re-creation
func (t *Tombstones) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Contains reports whether id is tombstoned
func (t *Tombstones) Contains(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts, ok := t.entries[id]
	if !ok {
		return false
	}
	if !ts.expires.IsZero() && !t.now().Before(ts.expires) {
		delete(t.entries, id)
		return false
	}
	return true
}

// Len returns the number of live entries
func (t *Tombstones) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	return len(t.entries)
}

func (t *Tombstones) pruneLocked() {
	now := t.now()
	for id, ts := range t.entries {
		if !ts.expires.IsZero() && !now.Before(ts.expires) {
			delete(t.entries, id)
		}
	}
}

func (t *Tombstones) evictOldestLocked() {
	oldest := ""
	var oldestAt time.Time
	for id, ts := range t.entries {
		if oldest == "" || ts.added.Before(oldestAt) {
			oldest, oldestAt = id, ts.added
		}
	}
	if oldest != "" {
		delete(t.entries, oldest)
	}
}
