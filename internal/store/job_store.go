package store

import (
	"context"
	"errors"
	"time"
)

// Job status constants.
const (
	JobStatusScheduled = "scheduled"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// ErrJobNotFound is returned by JobAdmin lookups.
var ErrJobNotFound = errors.New("job not found")

// ErrLeaseExpired is the cause recorded on a job whose last attempt was
// abandoned without being settled.
var ErrLeaseExpired = errors.New("lease expired")

// Job is one delayed unit of work.
type Job struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Payload     []byte    `json:"payload"`
	Status      string    `json:"status"`
	Attempt     int       `json:"attempt"` // 1-based attempt of the current delivery
	MaxAttempts int       `json:"max_attempts"`
	RunAt       time.Time `json:"run_at"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Delivery is one claim of a job by a consumer. Exactly one of Ack, Retry or
// Fail should be called; a delivery left unsettled is redelivered once its
// lease lapses.
type Delivery interface {
	Job() Job

	// Ack marks the job completed.
	Ack(ctx context.Context) error

	// Retry records cause and reschedules with backoff. A non-nil payload
	// replaces the job payload for the next attempt. final reports that the
	// attempt budget is spent and the job is now failed.
	Retry(ctx context.Context, cause error, payload []byte) (final bool, err error)

	// Fail marks the job permanently failed.
	Fail(ctx context.Context, cause error) error
}

// JobQueue is a durable delayed-job queue with best-effort cancellation and
// at-least-once delivery.
type JobQueue interface {
	Schedule(ctx context.Context, name string, payload []byte, delay time.Duration) (string, error)

	// Cancel removes a job that has not fired yet. It returns false, nil when
	// the job already fired, is running, or does not exist.
	Cancel(ctx context.Context, jobID string) (bool, error)

	// Consume starts delivering due jobs on the returned channel until ctx is
	// cancelled, then closes it.
	Consume(ctx context.Context) (<-chan Delivery, error)

	Close() error
}

// JobAdmin is implemented by queues that keep job rows (memory, sqlite, pg).
type JobAdmin interface {
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, statuses []string, limit int) ([]Job, error)

	// RequeueExpired returns running jobs whose lease lapsed to scheduled.
	// Lapsed jobs already on their last attempt are marked failed instead and
	// returned, payload included, so the caller can report them.
	RequeueExpired(ctx context.Context) (requeued int, failed []Job, err error)

	// Prune deletes the oldest completed and failed jobs beyond the given counts.
	Prune(ctx context.Context, keepCompleted, keepFailed int) (int, error)
}

// QueueConfig tunes delivery, retry and leasing for the job-table queues.
type QueueConfig struct {
	Name         string        // logical queue name (AMQP queue, log field)
	MaxAttempts  int           // default 3
	BackoffBase  time.Duration // default 2s
	BackoffMax   time.Duration // default 1m
	Lease        time.Duration // claim lease before redelivery, default 1m
	PollInterval time.Duration // due-job poll period, default 250ms
	Prefetch     int           // max undelivered claims buffered, default 5
}

// WithDefaults fills zero fields.
func (c QueueConfig) WithDefaults() QueueConfig {
	if c.Name == "" {
		c.Name = "inboundq"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 5
	}
	return c
}

// Backoff returns the delay before the attempt following attempt n (1-based):
// BackoffBase doubled per attempt, capped at BackoffMax.
func (c QueueConfig) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := c.BackoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if d > c.BackoffMax {
		return c.BackoffMax
	}
	return d
}
