package rabbitmq

import (
	"sync"
	"time"
)

const tombstoneSweepEvery = time.Minute

// tombstones tracks jobs this process scheduled and still expects to see, and
// which of them were cancelled. A broker cannot delete a message from the
// middle of a queue, so a cancelled job is dropped when it is delivered.
//
// Entries for jobs that another process consumes never see a take, so both
// maps are swept once an entry is keep past its run time.
type tombstones struct {
	keep time.Duration

	mu        sync.Mutex
	pending   map[string]time.Time // id -> run at
	cancelled map[string]time.Time // id -> forget after
	lastSweep time.Time
}

func newTombstones(keep time.Duration) *tombstones {
	return &tombstones{
		keep:      keep,
		pending:   make(map[string]time.Time),
		cancelled: make(map[string]time.Time),
	}
}

// track records a scheduled job and sweeps at most once per minute, so a
// process that only publishes stays bounded too.
func (t *tombstones) track(id string, runAt, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[id] = runAt
	if now.Sub(t.lastSweep) >= tombstoneSweepEvery {
		t.sweepLocked(now)
	}
}

// cancel marks a pending job. It reports false for ids this process never
// scheduled or that were already delivered.
func (t *tombstones) cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	runAt, ok := t.pending[id]
	if !ok {
		return false
	}
	delete(t.pending, id)
	t.cancelled[id] = runAt.Add(t.keep)
	return true
}

// take is called on delivery. It reports whether the job was cancelled and
// forgets the id either way.
func (t *tombstones) take(id string) (cancelled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
	if _, ok := t.cancelled[id]; ok {
		delete(t.cancelled, id)
		return true
	}
	return false
}

// sweep drops entries whose message should long since have arrived.
func (t *tombstones) sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sweepLocked(now)
}

func (t *tombstones) sweepLocked(now time.Time) int {
	t.lastSweep = now
	n := 0
	for id, until := range t.cancelled {
		if now.After(until) {
			delete(t.cancelled, id)
			n++
		}
	}
	for id, runAt := range t.pending {
		if now.After(runAt.Add(t.keep)) {
			delete(t.pending, id)
			n++
		}
	}
	return n
}

func (t *tombstones) size() (pending, cancelled int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending), len(t.cancelled)
}
