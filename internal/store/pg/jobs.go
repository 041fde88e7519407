package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/inboundq/internal/store"
)

// PGJobQueue stores delayed jobs in buffer_jobs. Claims take the earliest due
// row with FOR UPDATE SKIP LOCKED, so any number of worker processes can poll
// the same table.
type PGJobQueue struct {
	db  *sql.DB
	cfg store.QueueConfig
	now func() time.Time
}

// JobQueueOption configures a PGJobQueue.
type JobQueueOption func(*PGJobQueue)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) JobQueueOption {
	return func(q *PGJobQueue) { q.now = now }
}

func NewPGJobQueue(db *sql.DB, cfg store.QueueConfig, opts ...JobQueueOption) *PGJobQueue {
	q := &PGJobQueue{db: db, cfg: cfg.WithDefaults(), now: time.Now}
	for _, o := range opts {
		o(q)
	}
	return q
}

const jobColumns = `id, name, payload, status, attempts, max_attempts, run_at, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (store.Job, error) {
	var j store.Job
	err := r.Scan(&j.ID, &j.Name, &j.Payload, &j.Status, &j.Attempt, &j.MaxAttempts,
		&j.RunAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

func (q *PGJobQueue) Schedule(ctx context.Context, name string, payload []byte, delay time.Duration) (string, error) {
	id := uuid.Must(uuid.NewV7())
	now := q.now()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO buffer_jobs (id, name, payload, status, attempts, max_attempts, run_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $7)`,
		id, name, payload, store.JobStatusScheduled, q.cfg.MaxAttempts, now.Add(delay), now,
	)
	if err != nil {
		return "", fmt.Errorf("pg: schedule %s: %w", name, err)
	}
	return id.String(), nil
}

// Cancel deletes the job if it is still waiting to fire.
func (q *PGJobQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return false, nil
	}
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM buffer_jobs WHERE id = $1 AND status = $2`, id, store.JobStatusScheduled)
	if err != nil {
		return false, fmt.Errorf("pg: cancel %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (q *PGJobQueue) Consume(ctx context.Context) (<-chan store.Delivery, error) {
	return store.Poll(ctx, q.cfg.Name, q.cfg.PollInterval, q.claimNext), nil
}

func (q *PGJobQueue) claimNext(ctx context.Context) (store.Delivery, error) {
	now := q.now()
	job, err := scanJob(q.db.QueryRowContext(ctx,
		`UPDATE buffer_jobs SET status = $1, attempts = attempts + 1, locked_until = $2, updated_at = $3
		 WHERE id = (
			SELECT id FROM buffer_jobs WHERE status = $4 AND run_at <= $3
			ORDER BY run_at, id LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		store.JobStatusRunning, now.Add(q.cfg.Lease), now, store.JobStatusScheduled,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pg: claim: %w", err)
	}
	return &pgDelivery{q: q, job: job}, nil
}

// Close is a no-op; the *sql.DB is shared with the buffer store.
func (q *PGJobQueue) Close() error { return nil }

func (q *PGJobQueue) GetJob(ctx context.Context, id string) (*store.Job, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("pg: job %s: %w", id, store.ErrJobNotFound)
	}
	job, err := scanJob(q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM buffer_jobs WHERE id = $1`, uid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pg: job %s: %w", id, store.ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("pg: get job %s: %w", id, err)
	}
	return &job, nil
}

func (q *PGJobQueue) ListJobs(ctx context.Context, statuses []string, limit int) ([]store.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var filter any
	if len(statuses) > 0 {
		filter = pq.Array(statuses)
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM buffer_jobs
		 WHERE $1::text[] IS NULL OR status = ANY($1::text[])
		 ORDER BY updated_at DESC LIMIT $2`,
		filter, limit)
	if err != nil {
		return nil, fmt.Errorf("pg: list jobs: %w", err)
	}
	defer rows.Close()

	var out []store.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (q *PGJobQueue) RequeueExpired(ctx context.Context) (int, []store.Job, error) {
	now := q.now()
	rows, err := q.db.QueryContext(ctx,
		`UPDATE buffer_jobs SET
			status = CASE WHEN attempts >= max_attempts THEN $1 ELSE $2 END,
			last_error = CASE WHEN attempts >= max_attempts THEN $5 ELSE last_error END,
			run_at = $3, locked_until = NULL, updated_at = $3
		 WHERE status = $4 AND locked_until <= $3
		 RETURNING `+jobColumns,
		store.JobStatusFailed, store.JobStatusScheduled, now, store.JobStatusRunning, store.ErrLeaseExpired.Error())
	if err != nil {
		return 0, nil, fmt.Errorf("pg: requeue expired: %w", err)
	}
	defer rows.Close()

	var (
		n      int
		failed []store.Job
	)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return 0, nil, err
		}
		if j.Status == store.JobStatusFailed {
			failed = append(failed, j)
		} else {
			n++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("pg: requeue expired: %w", err)
	}
	return n, failed, nil
}

func (q *PGJobQueue) Prune(ctx context.Context, keepCompleted, keepFailed int) (int, error) {
	total := 0
	for _, p := range []struct {
		status string
		keep   int
	}{{store.JobStatusCompleted, keepCompleted}, {store.JobStatusFailed, keepFailed}} {
		if p.keep < 0 {
			continue
		}
		res, err := q.db.ExecContext(ctx,
			`DELETE FROM buffer_jobs WHERE id IN (
				SELECT id FROM buffer_jobs WHERE status = $1 ORDER BY updated_at DESC OFFSET $2
			 )`,
			p.status, p.keep)
		if err != nil {
			return total, fmt.Errorf("pg: prune %s: %w", p.status, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

// StatusCounts returns the number of jobs per status (used by doctor).
func (q *PGJobQueue) StatusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM buffer_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("pg: status counts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

type pgDelivery struct {
	q   *PGJobQueue
	job store.Job
}

func (d *pgDelivery) Job() store.Job { return d.job }

// settle applies the update only while this claim still owns the row.
func (d *pgDelivery) settle(ctx context.Context, status, lastError string, payload []byte, runAt time.Time) (bool, error) {
	res, err := d.q.db.ExecContext(ctx,
		`UPDATE buffer_jobs SET status = $1, last_error = $2, payload = COALESCE($3::bytea, payload),
			run_at = $4, locked_until = NULL, updated_at = $5
		 WHERE id = $6 AND status = $7 AND attempts = $8`,
		status, lastError, payload, runAt, d.q.now(),
		d.job.ID, store.JobStatusRunning, d.job.Attempt)
	if err != nil {
		return false, fmt.Errorf("pg: settle %s: %w", d.job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (d *pgDelivery) Ack(ctx context.Context) error {
	_, err := d.settle(ctx, store.JobStatusCompleted, "", nil, d.job.RunAt)
	return err
}

func (d *pgDelivery) Retry(ctx context.Context, cause error, payload []byte) (bool, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if d.job.Attempt >= d.job.MaxAttempts {
		return d.settle(ctx, store.JobStatusFailed, msg, payload, d.job.RunAt)
	}
	runAt := d.q.now().Add(d.q.cfg.Backoff(d.job.Attempt))
	_, err := d.settle(ctx, store.JobStatusScheduled, msg, payload, runAt)
	return false, err
}

func (d *pgDelivery) Fail(ctx context.Context, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := d.settle(ctx, store.JobStatusFailed, msg, nil, d.job.RunAt)
	return err
}
