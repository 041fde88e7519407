package store

import (
	"context"
	"log/slog"
	"time"
)

// ClaimFunc leases the next due job. It returns nil, nil when nothing is due.
type ClaimFunc func(ctx context.Context) (Delivery, error)

// Poll drives a job-table queue: it claims and hands out due jobs one at a
// time until none are left, then sleeps for interval. The channel is closed
// once ctx is done. A job claimed but not handed out before ctx ends keeps
// its lease and is redelivered after RequeueExpired.
func Poll(ctx context.Context, name string, interval time.Duration, claim ClaimFunc) <-chan Delivery {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			for ctx.Err() == nil {
				d, err := claim(ctx)
				if err != nil {
					if ctx.Err() == nil {
						slog.Warn("queue: claim failed", "queue", name, "error", err)
					}
					break
				}
				if d == nil {
					break
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}
