package rabbitmq

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	headerAttempt     = "x-attempt"
	headerMaxAttempts = "x-max-attempts"
	headerError       = "x-last-error"
	headerScheduledAt = "x-scheduled-at"

	workRoutingKey = "job"
)

// topology names every exchange and queue derived from the queue name.
type topology struct {
	name     string
	exchange string
	work     string
	final    string
}

func newTopology(name, exchange string) topology {
	return topology{
		name:     name,
		exchange: firstNonEmpty(exchange, name),
		work:     name + ".work",
		final:    name + ".final",
	}
}

// delayQueue names the holding queue for one delay. Each distinct delay gets
// its own queue with a queue-level TTL, so messages never wait behind a
// longer-lived head.
func (t topology) delayQueue(d time.Duration) string {
	return fmt.Sprintf("%s.delay.%d", t.name, delayMillis(d))
}

// jitteredDelay spreads reconnect attempts by +/- jitterPct of base.
func jitteredDelay(base, cap time.Duration, jitterPct int) time.Duration {
	if jitterPct <= 0 {
		jitterPct = 25
	}
	delta := (rand.Float64()*2 - 1) * float64(jitterPct) / 100.0
	wait := time.Duration(float64(base) * (1 + delta))
	if wait < 0 {
		wait = base
	}
	if wait > cap {
		wait = cap
	}
	return wait
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func delayMillis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

// headerInt reads an integer header regardless of the AMQP integer width the
// publisher used.
func headerInt(h amqp.Table, key string) int {
	switch v := h[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

func safeClose(ch channel) error {
	if ch == nil {
		return nil
	}
	defer func() { _ = recover() }()
	return ch.Close()
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
