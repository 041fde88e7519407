package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/inboundq/internal/store"
)

// ErrClosed is returned by Schedule after Close.
var ErrClosed = errors.New("memory: queue closed")

type jobEntry struct {
	job         store.Job
	lockedUntil time.Time
}

// JobQueue is an in-process delayed job queue. Due jobs are found by polling
// against the configured clock, so tests can drive time with a ManualClock.
type JobQueue struct {
	cfg store.QueueConfig
	now func() time.Time

	mu     sync.Mutex
	jobs   map[string]*jobEntry
	closed bool
}

// Option configures a JobQueue.
type Option func(*JobQueue)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *JobQueue) { q.now = now }
}

func NewJobQueue(cfg store.QueueConfig, opts ...Option) *JobQueue {
	q := &JobQueue{
		cfg:  cfg.WithDefaults(),
		now:  time.Now,
		jobs: make(map[string]*jobEntry),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *JobQueue) Schedule(_ context.Context, name string, payload []byte, delay time.Duration) (string, error) {
	id := uuid.Must(uuid.NewV7()).String()
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	q.jobs[id] = &jobEntry{job: store.Job{
		ID:          id,
		Name:        name,
		Payload:     append([]byte(nil), payload...),
		Status:      store.JobStatusScheduled,
		MaxAttempts: q.cfg.MaxAttempts,
		RunAt:       now.Add(delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}}
	return id, nil
}

// Cancel drops a scheduled job. Cancelled jobs are not retained.
func (q *JobQueue) Cancel(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[jobID]
	if !ok || e.job.Status != store.JobStatusScheduled {
		return false, nil
	}
	delete(q.jobs, jobID)
	return true, nil
}

func (q *JobQueue) Consume(ctx context.Context) (<-chan store.Delivery, error) {
	return store.Poll(ctx, q.cfg.Name, q.cfg.PollInterval, func(context.Context) (store.Delivery, error) {
		return q.claimNext(), nil
	}), nil
}

// claimNext leases the earliest due job, or returns nil.
func (q *JobQueue) claimNext() store.Delivery {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	var next *jobEntry
	for _, e := range q.jobs {
		if e.job.Status != store.JobStatusScheduled || e.job.RunAt.After(now) {
			continue
		}
		if next == nil || e.job.RunAt.Before(next.job.RunAt) {
			next = e
		}
	}
	if next == nil {
		return nil
	}
	next.job.Status = store.JobStatusRunning
	next.job.Attempt++
	next.job.UpdatedAt = now
	next.lockedUntil = now.Add(q.cfg.Lease)
	return &delivery{q: q, job: cloneJob(next.job)}
}

func (q *JobQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

// settle applies fn to a running job claimed at the given attempt.
// Settling a stale claim (the lease lapsed and the job moved on) is a no-op.
func (q *JobQueue) settle(id string, attempt int, fn func(e *jobEntry, now time.Time)) bool {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok || e.job.Status != store.JobStatusRunning || e.job.Attempt != attempt {
		return false
	}
	fn(e, now)
	e.job.UpdatedAt = now
	e.lockedUntil = time.Time{}
	return true
}

func (q *JobQueue) GetJob(_ context.Context, id string) (*store.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok {
		return nil, fmt.Errorf("memory: job %s: %w", id, store.ErrJobNotFound)
	}
	j := cloneJob(e.job)
	return &j, nil
}

func (q *JobQueue) ListJobs(_ context.Context, statuses []string, limit int) ([]store.Job, error) {
	want := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	q.mu.Lock()
	var out []store.Job
	for _, e := range q.jobs {
		if len(want) == 0 || want[e.job.Status] {
			out = append(out, cloneJob(e.job))
		}
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *JobQueue) RequeueExpired(_ context.Context) (int, []store.Job, error) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	var (
		n      int
		failed []store.Job
	)
	for _, e := range q.jobs {
		if e.job.Status != store.JobStatusRunning || e.lockedUntil.After(now) {
			continue
		}
		e.job.UpdatedAt = now
		e.lockedUntil = time.Time{}
		if e.job.Attempt >= e.job.MaxAttempts {
			e.job.Status = store.JobStatusFailed
			e.job.LastError = store.ErrLeaseExpired.Error()
			failed = append(failed, e.job)
			continue
		}
		e.job.Status = store.JobStatusScheduled
		e.job.RunAt = now
		n++
	}
	return n, failed, nil
}

func (q *JobQueue) Prune(_ context.Context, keepCompleted, keepFailed int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pruneStatus(store.JobStatusCompleted, keepCompleted) +
		q.pruneStatus(store.JobStatusFailed, keepFailed), nil
}

// pruneStatus must be called with q.mu held.
func (q *JobQueue) pruneStatus(status string, keep int) int {
	if keep < 0 {
		return 0
	}
	var entries []*jobEntry
	for _, e := range q.jobs {
		if e.job.Status == status {
			entries = append(entries, e)
		}
	}
	if len(entries) <= keep {
		return 0
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].job.UpdatedAt.After(entries[j].job.UpdatedAt) })
	for _, e := range entries[keep:] {
		delete(q.jobs, e.job.ID)
	}
	return len(entries) - keep
}

func cloneJob(j store.Job) store.Job {
	j.Payload = append([]byte(nil), j.Payload...)
	return j
}

type delivery struct {
	q   *JobQueue
	job store.Job
}

func (d *delivery) Job() store.Job { return d.job }

func (d *delivery) Ack(_ context.Context) error {
	d.q.settle(d.job.ID, d.job.Attempt, func(e *jobEntry, _ time.Time) {
		e.job.Status = store.JobStatusCompleted
		e.job.LastError = ""
	})
	return nil
}

func (d *delivery) Retry(_ context.Context, cause error, payload []byte) (bool, error) {
	final := false
	d.q.settle(d.job.ID, d.job.Attempt, func(e *jobEntry, now time.Time) {
		if cause != nil {
			e.job.LastError = cause.Error()
		}
		if payload != nil {
			e.job.Payload = append([]byte(nil), payload...)
		}
		if e.job.Attempt >= e.job.MaxAttempts {
			e.job.Status = store.JobStatusFailed
			final = true
			return
		}
		e.job.Status = store.JobStatusScheduled
		e.job.RunAt = now.Add(d.q.cfg.Backoff(e.job.Attempt))
	})
	return final, nil
}

func (d *delivery) Fail(_ context.Context, cause error) error {
	d.q.settle(d.job.ID, d.job.Attempt, func(e *jobEntry, _ time.Time) {
		e.job.Status = store.JobStatusFailed
		if cause != nil {
			e.job.LastError = cause.Error()
		}
	})
	return nil
}
