package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/inboundq/internal/store"
)

// DefaultJanitorSchedule runs the janitor every minute.
const DefaultJanitorSchedule = "* * * * *"

// Janitor returns jobs with expired leases to the queue and trims finished
// jobs to the retention counts, on a cron schedule.
type Janitor struct {
	admin         store.JobAdmin
	schedule      string
	keepCompleted int
	keepFailed    int
	onExhausted   func(store.Job, error)
	logger        *slog.Logger
	now           func() time.Time
}

// JanitorOption configures a Janitor.
type JanitorOption func(*Janitor)

// JanitorOnExhausted is called for each job the janitor fails because its
// last attempt's lease lapsed. Pass the same hook as the pool's OnExhausted.
func JanitorOnExhausted(fn func(store.Job, error)) JanitorOption {
	return func(j *Janitor) { j.onExhausted = fn }
}

func NewJanitor(admin store.JobAdmin, schedule string, keepCompleted, keepFailed int, opts ...JanitorOption) (*Janitor, error) {
	if schedule == "" {
		schedule = DefaultJanitorSchedule
	}
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("worker: invalid janitor schedule %q", schedule)
	}
	j := &Janitor{
		admin:         admin,
		schedule:      schedule,
		keepCompleted: keepCompleted,
		keepFailed:    keepFailed,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// RunOnce performs one sweep.
func (j *Janitor) RunOnce(ctx context.Context) (requeued, pruned int, err error) {
	requeued, failed, err := j.admin.RequeueExpired(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("worker: requeue expired: %w", err)
	}
	for _, job := range failed {
		if j.onExhausted != nil {
			j.onExhausted(job, store.ErrLeaseExpired)
		} else {
			j.logger.Error("janitor: job failed", "job_id", job.ID, "name", job.Name, "attempts", job.Attempt, "error", store.ErrLeaseExpired)
		}
	}
	pruned, err = j.admin.Prune(ctx, j.keepCompleted, j.keepFailed)
	if err != nil {
		return requeued, 0, fmt.Errorf("worker: prune: %w", err)
	}
	if requeued > 0 || len(failed) > 0 || pruned > 0 {
		j.logger.Info("janitor: sweep", "requeued", requeued, "failed", len(failed), "pruned", pruned)
	}
	return requeued, pruned, nil
}

// Run sweeps at every tick of the schedule until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	j.logger.Info("janitor: started", "schedule", j.schedule)
	for {
		next, err := gronx.NextTickAfter(j.schedule, j.now(), false)
		if err != nil {
			return fmt.Errorf("worker: next janitor tick: %w", err)
		}
		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		if _, _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			j.logger.Warn("janitor: sweep failed", "error", err)
		}
	}
}
