package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/inboundq/internal/store"
)

// JobQueue stores delayed jobs in buffer_jobs and hands them out through a
// polling claim loop.
type JobQueue struct {
	db  *sqlx.DB
	cfg store.QueueConfig
	now func() time.Time
}

// Option configures a JobQueue.
type Option func(*JobQueue)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *JobQueue) { q.now = now }
}

func NewJobQueue(db *sqlx.DB, cfg store.QueueConfig, opts ...Option) *JobQueue {
	q := &JobQueue{db: db, cfg: cfg.WithDefaults(), now: time.Now}
	for _, o := range opts {
		o(q)
	}
	return q
}

type jobRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Payload     []byte `db:"payload"`
	Status      string `db:"status"`
	Attempts    int    `db:"attempts"`
	MaxAttempts int    `db:"max_attempts"`
	RunAt       int64  `db:"run_at"`
	LastError   string `db:"last_error"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

const jobColumns = `id, name, payload, status, attempts, max_attempts, run_at, last_error, created_at, updated_at`

func (r jobRow) toJob() store.Job {
	return store.Job{
		ID:          r.ID,
		Name:        r.Name,
		Payload:     r.Payload,
		Status:      r.Status,
		Attempt:     r.Attempts,
		MaxAttempts: r.MaxAttempts,
		RunAt:       fromUnix(r.RunAt),
		LastError:   r.LastError,
		CreatedAt:   fromUnix(r.CreatedAt),
		UpdatedAt:   fromUnix(r.UpdatedAt),
	}
}

func (q *JobQueue) Schedule(ctx context.Context, name string, payload []byte, delay time.Duration) (string, error) {
	id := uuid.Must(uuid.NewV7()).String()
	now := q.now()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO buffer_jobs (id, name, payload, status, attempts, max_attempts, run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id, name, payload, store.JobStatusScheduled, q.cfg.MaxAttempts,
		toUnix(now.Add(delay)), toUnix(now), toUnix(now),
	)
	if err != nil {
		return "", fmt.Errorf("sqlite: schedule %s: %w", name, err)
	}
	return id, nil
}

// Cancel deletes the job if it is still waiting to fire.
func (q *JobQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM buffer_jobs WHERE id = ? AND status = ?`, jobID, store.JobStatusScheduled)
	if err != nil {
		return false, fmt.Errorf("sqlite: cancel %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (q *JobQueue) Consume(ctx context.Context) (<-chan store.Delivery, error) {
	return store.Poll(ctx, q.cfg.Name, q.cfg.PollInterval, q.claimNext), nil
}

func (q *JobQueue) claimNext(ctx context.Context) (store.Delivery, error) {
	now := q.now()
	var row jobRow
	err := q.db.GetContext(ctx, &row,
		`UPDATE buffer_jobs SET status = ?, attempts = attempts + 1, locked_until = ?, updated_at = ?
		 WHERE id = (
			SELECT id FROM buffer_jobs WHERE status = ? AND run_at <= ?
			ORDER BY run_at, id LIMIT 1
		 )
		 RETURNING `+jobColumns,
		store.JobStatusRunning, toUnix(now.Add(q.cfg.Lease)), toUnix(now),
		store.JobStatusScheduled, toUnix(now),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim: %w", err)
	}
	return &delivery{q: q, job: row.toJob()}, nil
}

// Close is a no-op; the *sqlx.DB is owned by whoever opened it.
func (q *JobQueue) Close() error { return nil }

func (q *JobQueue) GetJob(ctx context.Context, id string) (*store.Job, error) {
	var row jobRow
	err := q.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM buffer_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: job %s: %w", id, store.ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get job %s: %w", id, err)
	}
	j := row.toJob()
	return &j, nil
}

func (q *JobQueue) ListJobs(ctx context.Context, statuses []string, limit int) ([]store.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM buffer_jobs ORDER BY updated_at DESC LIMIT ?`
	args := []any{limit}
	if len(statuses) > 0 {
		var err error
		query, args, err = sqlx.In(
			`SELECT `+jobColumns+` FROM buffer_jobs WHERE status IN (?) ORDER BY updated_at DESC LIMIT ?`,
			statuses, limit)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list jobs: %w", err)
		}
		query = q.db.Rebind(query)
	}

	var rows []jobRow
	if err := q.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("sqlite: list jobs: %w", err)
	}
	out := make([]store.Job, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toJob())
	}
	return out, nil
}

func (q *JobQueue) RequeueExpired(ctx context.Context) (int, []store.Job, error) {
	now := toUnix(q.now())
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, nil, err
	}
	defer tx.Rollback()

	var rows []jobRow
	err = tx.SelectContext(ctx, &rows,
		`UPDATE buffer_jobs SET status = ?, last_error = ?, locked_until = 0, updated_at = ?
		 WHERE status = ? AND locked_until <= ? AND attempts >= max_attempts
		 RETURNING `+jobColumns,
		store.JobStatusFailed, store.ErrLeaseExpired.Error(), now, store.JobStatusRunning, now)
	if err != nil {
		return 0, nil, fmt.Errorf("sqlite: fail expired: %w", err)
	}
	requeued, err := tx.ExecContext(ctx,
		`UPDATE buffer_jobs SET status = ?, run_at = ?, locked_until = 0, updated_at = ?
		 WHERE status = ? AND locked_until <= ?`,
		store.JobStatusScheduled, now, now, store.JobStatusRunning, now)
	if err != nil {
		return 0, nil, fmt.Errorf("sqlite: requeue expired: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, err
	}
	var failed []store.Job
	for _, r := range rows {
		failed = append(failed, r.toJob())
	}
	n, _ := requeued.RowsAffected()
	return int(n), failed, nil
}

func (q *JobQueue) Prune(ctx context.Context, keepCompleted, keepFailed int) (int, error) {
	total := 0
	for status, keep := range map[string]int{store.JobStatusCompleted: keepCompleted, store.JobStatusFailed: keepFailed} {
		if keep < 0 {
			continue
		}
		res, err := q.db.ExecContext(ctx,
			`DELETE FROM buffer_jobs WHERE status = ? AND id NOT IN (
				SELECT id FROM buffer_jobs WHERE status = ? ORDER BY updated_at DESC LIMIT ?
			 )`,
			status, status, keep)
		if err != nil {
			return total, fmt.Errorf("sqlite: prune %s: %w", status, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

// settle updates a job only while this claim still owns it.
func (q *JobQueue) settle(ctx context.Context, job store.Job, set string, args ...any) (bool, error) {
	args = append(args, toUnix(q.now()), job.ID, store.JobStatusRunning, job.Attempt)
	res, err := q.db.ExecContext(ctx,
		`UPDATE buffer_jobs SET `+set+`, locked_until = 0, updated_at = ?
		 WHERE id = ? AND status = ? AND attempts = ?`,
		args...)
	if err != nil {
		return false, fmt.Errorf("sqlite: settle %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type delivery struct {
	q   *JobQueue
	job store.Job
}

func (d *delivery) Job() store.Job { return d.job }

func (d *delivery) Ack(ctx context.Context) error {
	_, err := d.q.settle(ctx, d.job, `status = ?, last_error = ''`, store.JobStatusCompleted)
	return err
}

func (d *delivery) Retry(ctx context.Context, cause error, payload []byte) (bool, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if payload == nil {
		payload = d.job.Payload
	}
	if d.job.Attempt >= d.job.MaxAttempts {
		ok, err := d.q.settle(ctx, d.job, `status = ?, last_error = ?, payload = ?`,
			store.JobStatusFailed, msg, payload)
		return ok, err
	}
	runAt := d.q.now().Add(d.q.cfg.Backoff(d.job.Attempt))
	_, err := d.q.settle(ctx, d.job, `status = ?, last_error = ?, payload = ?, run_at = ?`,
		store.JobStatusScheduled, msg, payload, toUnix(runAt))
	return false, err
}

func (d *delivery) Fail(ctx context.Context, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := d.q.settle(ctx, d.job, `status = ?, last_error = ?`, store.JobStatusFailed, msg)
	return err
}
