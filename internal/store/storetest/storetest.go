// Package storetest holds contract tests shared by every BufferStore and
// JobQueue backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/inboundq/internal/bus"
	"github.com/nextlevelbuilder/inboundq/internal/store"
)

// BufferFactory returns a fresh, empty BufferStore.
type BufferFactory func(t *testing.T) store.BufferStore

// QueueFactory returns a fresh queue driven by the given clock. The returned
// admin may be the same value as the queue.
type QueueFactory func(t *testing.T, cfg store.QueueConfig, now func() time.Time) (store.JobQueue, store.JobAdmin)

func msg(key, text string) bus.BufferedMessage {
	return bus.BufferedMessage{
		ConversationKey: key,
		AgentID:         "agent-1",
		Text:            text,
		Metadata:        map[string]string{"channel": "web", bus.MetaVisitorID: "v-" + key},
		EnqueuedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// RunBufferStoreTests exercises append/drain/size semantics.
func RunBufferStoreTests(t *testing.T, newStore BufferFactory) {
	ctx := context.Background()

	t.Run("AppendDrainPreservesOrder", func(t *testing.T) {
		s := newStore(t)
		for _, text := range []string{"a", "b", "c"} {
			require.NoError(t, s.Append(ctx, "k1", msg("k1", text)))
		}
		n, err := s.Size(ctx, "k1")
		require.NoError(t, err)
		require.Equal(t, 3, n)

		got, err := s.Drain(ctx, "k1")
		require.NoError(t, err)
		require.Len(t, got, 3)
		require.Equal(t, "a", got[0].Text)
		require.Equal(t, "b", got[1].Text)
		require.Equal(t, "c", got[2].Text)
		require.Equal(t, "agent-1", got[0].AgentID)
		require.Equal(t, "v-k1", got[0].Metadata[bus.MetaVisitorID])
		require.True(t, got[0].EnqueuedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))

		n, err = s.Size(ctx, "k1")
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("DrainEmptyIsNoop", func(t *testing.T) {
		s := newStore(t)
		got, err := s.Drain(ctx, "missing")
		require.NoError(t, err)
		require.Empty(t, got)
		got, err = s.Drain(ctx, "missing")
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("KeysAreIsolated", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Append(ctx, "a", msg("a", "1")))
		require.NoError(t, s.Append(ctx, "b", msg("b", "2")))

		got, err := s.Drain(ctx, "a")
		require.NoError(t, err)
		require.Len(t, got, 1)

		n, err := s.Size(ctx, "b")
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})

	t.Run("RecreatedAfterDrain", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Append(ctx, "k", msg("k", "first")))
		_, err := s.Drain(ctx, "k")
		require.NoError(t, err)
		require.NoError(t, s.Append(ctx, "k", msg("k", "second")))

		got, err := s.Drain(ctx, "k")
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, "second", got[0].Text)
	})

	t.Run("ConcurrentDrainsSeeMessagesOnce", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 20; i++ {
			require.NoError(t, s.Append(ctx, "hot", msg("hot", fmt.Sprint(i))))
		}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			nonEmpty int
			total    int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := s.Drain(ctx, "hot")
				if err != nil {
					t.Errorf("drain: %v", err)
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if len(got) > 0 {
					nonEmpty++
				}
				total += len(got)
			}()
		}
		wg.Wait()
		require.Equal(t, 1, nonEmpty)
		require.Equal(t, 20, total)
	})

	t.Run("ConcurrentAppendAndDrainLosesNothing", func(t *testing.T) {
		s := newStore(t)
		const n = 60

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = make(map[string]int)
		)
		record := func(got []bus.BufferedMessage) {
			mu.Lock()
			defer mu.Unlock()
			for _, m := range got {
				seen[m.Text]++
			}
		}

		done := make(chan struct{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				if err := s.Append(ctx, "busy", msg("busy", fmt.Sprint(i))); err != nil {
					t.Errorf("append: %v", err)
				}
			}
			close(done)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				got, err := s.Drain(ctx, "busy")
				if err != nil {
					t.Errorf("drain: %v", err)
					return
				}
				record(got)
			}
		}()
		wg.Wait()

		rest, err := s.Drain(ctx, "busy")
		require.NoError(t, err)
		record(rest)

		require.Len(t, seen, n)
		for text, count := range seen {
			require.Equalf(t, 1, count, "message %s drained %d times", text, count)
		}
	})
}

// CorruptFunc stores one message under key that the backend cannot decode.
type CorruptFunc func(t *testing.T, key string)

// RunUndecodableDrainTests checks that Drain skips messages it cannot decode
// and still returns the ones around them. store must share its backing data
// with corrupt.
func RunUndecodableDrainTests(t *testing.T, s store.BufferStore, corrupt CorruptFunc) {
	ctx := context.Background()

	t.Run("SurvivorsReturnedWithError", func(t *testing.T) {
		require.NoError(t, s.Append(ctx, "mixed", msg("mixed", "before")))
		corrupt(t, "mixed")
		require.NoError(t, s.Append(ctx, "mixed", msg("mixed", "after")))

		got, err := s.Drain(ctx, "mixed")
		require.ErrorIs(t, err, store.ErrUndecodableMessage)
		require.Len(t, got, 2)
		require.Equal(t, "before", got[0].Text)
		require.Equal(t, "after", got[1].Text)

		n, err := s.Size(ctx, "mixed")
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("OnlyUndecodable", func(t *testing.T) {
		corrupt(t, "bad")
		got, err := s.Drain(ctx, "bad")
		require.ErrorIs(t, err, store.ErrUndecodableMessage)
		require.Empty(t, got)

		got, err = s.Drain(ctx, "bad")
		require.NoError(t, err)
		require.Empty(t, got)
	})
}

func receive(t *testing.T, ch <-chan store.Delivery, within time.Duration) store.Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(within):
		t.Fatalf("no delivery within %v", within)
		return nil
	}
}

func expectNone(t *testing.T, ch <-chan store.Delivery, wait time.Duration) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery of job %s", d.Job().ID)
	case <-time.After(wait):
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// RunJobQueueTests exercises scheduling, cancellation, retry and retention.
func RunJobQueueTests(t *testing.T, newQueue QueueFactory) {
	cfg := store.QueueConfig{
		MaxAttempts:  2,
		BackoffBase:  time.Second,
		BackoffMax:   10 * time.Second,
		Lease:        5 * time.Second,
		PollInterval: 5 * time.Millisecond,
	}
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	const wait = 2 * time.Second
	const quiet = 60 * time.Millisecond

	setup := func(t *testing.T) (*clock, store.JobQueue, store.JobAdmin, <-chan store.Delivery) {
		c := &clock{now: start}
		q, admin := newQueue(t, cfg, c.Now)
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		ch, err := q.Consume(ctx)
		require.NoError(t, err)
		return c, q, admin, ch
	}

	t.Run("DeliversAfterDelay", func(t *testing.T) {
		ctx := context.Background()
		c, q, admin, ch := setup(t)
		id, err := q.Schedule(ctx, "drain-conversation", []byte(`{"conversation_key":"c1"}`), 8*time.Second)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		c.Advance(7 * time.Second)
		expectNone(t, ch, quiet)

		c.Advance(time.Second)
		d := receive(t, ch, wait)
		job := d.Job()
		require.Equal(t, id, job.ID)
		require.Equal(t, "drain-conversation", job.Name)
		require.JSONEq(t, `{"conversation_key":"c1"}`, string(job.Payload))
		require.Equal(t, 1, job.Attempt)

		require.NoError(t, d.Ack(ctx))
		got, err := admin.GetJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, store.JobStatusCompleted, got.Status)
	})

	t.Run("CancelBeforeFire", func(t *testing.T) {
		ctx := context.Background()
		c, q, _, ch := setup(t)
		id, err := q.Schedule(ctx, "drain-conversation", []byte(`{}`), time.Second)
		require.NoError(t, err)

		ok, err := q.Cancel(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = q.Cancel(ctx, id)
		require.NoError(t, err)
		require.False(t, ok)

		c.Advance(2 * time.Second)
		expectNone(t, ch, quiet)
	})

	t.Run("CancelUnknownOrFired", func(t *testing.T) {
		ctx := context.Background()
		c, q, _, ch := setup(t)
		ok, err := q.Cancel(ctx, "0192f7a4-0000-7000-8000-000000000000")
		require.NoError(t, err)
		require.False(t, ok)

		id, err := q.Schedule(ctx, "drain-conversation", []byte(`{}`), 0)
		require.NoError(t, err)
		c.Advance(time.Millisecond)
		d := receive(t, ch, wait)

		ok, err = q.Cancel(ctx, id)
		require.NoError(t, err)
		require.False(t, ok)
		require.NoError(t, d.Ack(ctx))
	})

	t.Run("RetryWithBackoffThenFinal", func(t *testing.T) {
		ctx := context.Background()
		c, q, admin, ch := setup(t)
		id, err := q.Schedule(ctx, "drain-conversation", []byte(`{"v":1}`), 0)
		require.NoError(t, err)
		c.Advance(time.Millisecond)

		d := receive(t, ch, wait)
		final, err := d.Retry(ctx, errors.New("pipeline down"), []byte(`{"v":2}`))
		require.NoError(t, err)
		require.False(t, final)

		c.Advance(500 * time.Millisecond)
		expectNone(t, ch, quiet)

		c.Advance(600 * time.Millisecond)
		d = receive(t, ch, wait)
		require.Equal(t, id, d.Job().ID)
		require.Equal(t, 2, d.Job().Attempt)
		require.JSONEq(t, `{"v":2}`, string(d.Job().Payload))

		final, err = d.Retry(ctx, errors.New("still down"), nil)
		require.NoError(t, err)
		require.True(t, final)

		got, err := admin.GetJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, store.JobStatusFailed, got.Status)
		require.Equal(t, "still down", got.LastError)
		require.JSONEq(t, `{"v":2}`, string(got.Payload))
	})

	t.Run("FailIsPermanent", func(t *testing.T) {
		ctx := context.Background()
		c, q, admin, ch := setup(t)
		id, err := q.Schedule(ctx, "drain-conversation", []byte(`not json`), 0)
		require.NoError(t, err)
		c.Advance(time.Millisecond)

		d := receive(t, ch, wait)
		require.NoError(t, d.Fail(ctx, errors.New("bad payload")))

		c.Advance(time.Minute)
		expectNone(t, ch, quiet)
		got, err := admin.GetJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, store.JobStatusFailed, got.Status)

		failed, err := admin.ListJobs(ctx, []string{store.JobStatusFailed}, 10)
		require.NoError(t, err)
		require.Len(t, failed, 1)
	})

	t.Run("ExpiredLeaseIsRedelivered", func(t *testing.T) {
		ctx := context.Background()
		c, q, admin, ch := setup(t)
		id, err := q.Schedule(ctx, "drain-conversation", []byte(`{}`), 0)
		require.NoError(t, err)
		c.Advance(time.Millisecond)
		stale := receive(t, ch, wait)

		n, failed, err := admin.RequeueExpired(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
		require.Empty(t, failed)

		c.Advance(6 * time.Second)
		n, failed, err = admin.RequeueExpired(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Empty(t, failed)

		d := receive(t, ch, wait)
		require.Equal(t, id, d.Job().ID)
		require.Equal(t, 2, d.Job().Attempt)

		// The stale claim settles nothing.
		require.NoError(t, stale.Ack(ctx))
		got, err := admin.GetJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, store.JobStatusRunning, got.Status)
		require.NoError(t, d.Ack(ctx))
	})

	t.Run("ExpiredLastAttemptIsReturned", func(t *testing.T) {
		ctx := context.Background()
		c, q, admin, ch := setup(t)
		payload := []byte(`{"conversation_key":"c9"}`)
		id, err := q.Schedule(ctx, "drain-conversation", payload, 0)
		require.NoError(t, err)

		// Abandon every attempt.
		for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
			c.Advance(time.Millisecond)
			d := receive(t, ch, wait)
			require.Equal(t, attempt, d.Job().Attempt)
			c.Advance(6 * time.Second)
			n, failed, err := admin.RequeueExpired(ctx)
			require.NoError(t, err)
			if attempt < cfg.MaxAttempts {
				require.Equal(t, 1, n)
				require.Empty(t, failed)
				continue
			}
			require.Zero(t, n)
			require.Len(t, failed, 1)
			require.Equal(t, id, failed[0].ID)
			require.Equal(t, store.JobStatusFailed, failed[0].Status)
			require.Equal(t, store.ErrLeaseExpired.Error(), failed[0].LastError)
			require.JSONEq(t, string(payload), string(failed[0].Payload))
		}

		got, err := admin.GetJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, store.JobStatusFailed, got.Status)
		expectNone(t, ch, quiet)
	})

	t.Run("PruneKeepsNewest", func(t *testing.T) {
		ctx := context.Background()
		c, q, admin, ch := setup(t)
		for i := 0; i < 3; i++ {
			_, err := q.Schedule(ctx, "drain-conversation", []byte(`{}`), 0)
			require.NoError(t, err)
			c.Advance(time.Second)
			d := receive(t, ch, wait)
			require.NoError(t, d.Ack(ctx))
		}

		removed, err := admin.Prune(ctx, 1, 0)
		require.NoError(t, err)
		require.Equal(t, 2, removed)

		left, err := admin.ListJobs(ctx, []string{store.JobStatusCompleted}, 10)
		require.NoError(t, err)
		require.Len(t, left, 1)
	})

	t.Run("GetUnknownJob", func(t *testing.T) {
		_, _, admin, _ := setup(t)
		_, err := admin.GetJob(context.Background(), "0192f7a4-0000-7000-8000-00000000ffff")
		require.ErrorIs(t, err, store.ErrJobNotFound)
	})
}
