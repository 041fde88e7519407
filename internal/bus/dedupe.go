package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers recently seen keys for a fixed TTL, bounded to max
// entries. It drops webhook retries and client double-sends before they reach
// a buffer.
type DedupeCache struct {
	ttl time.Duration
	max int
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDedupeCache creates a cache. A zero ttl disables it.
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	if max <= 0 {
		max = 5000
	}
	return &DedupeCache{ttl: ttl, max: max, now: time.Now, seen: make(map[string]time.Time)}
}

// IsDuplicate records key and reports whether it was already seen within the TTL.
// The record doubles as a reservation: a caller that fails to act on a fresh
// key must Forget it so the sender's retry goes through.
func (d *DedupeCache) IsDuplicate(key string) bool {
	if d == nil || d.ttl <= 0 || key == "" {
		return false
	}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.ttl {
		return true
	}
	if len(d.seen) >= d.max {
		d.evictLocked(now)
	}
	d.seen[key] = now
	return false
}

// Forget removes key, undoing the record made by IsDuplicate.
func (d *DedupeCache) Forget(key string) {
	if d == nil || key == "" {
		return
	}
	d.mu.Lock()
	delete(d.seen, key)
	d.mu.Unlock()
}

// evictLocked drops expired entries, then the oldest ones until there is room.
func (d *DedupeCache) evictLocked(now time.Time) {
	for k, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, k)
		}
	}
	for len(d.seen) >= d.max {
		var (
			oldestKey string
			oldestAt  time.Time
		)
		for k, at := range d.seen {
			if oldestKey == "" || at.Before(oldestAt) {
				oldestKey, oldestAt = k, at
			}
		}
		delete(d.seen, oldestKey)
	}
}

// Len returns the number of tracked keys.
func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
