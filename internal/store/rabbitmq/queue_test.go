package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/inboundq/internal/store"
)

type publishedMsg struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

// fakeBroker stands in for a RabbitMQ connection. It records publishes,
// declares and acks, and hands out deliveries pushed by the test.
type fakeBroker struct {
	mu          sync.Mutex
	published   []publishedMsg
	declared    map[string]amqp.Table
	acked       []uint64
	nacked      []uint64
	nack        bool
	gate        chan struct{}
	inFlight    int
	maxInFlight int

	deliveries chan amqp.Delivery
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{declared: make(map[string]amqp.Table), deliveries: make(chan amqp.Delivery, 16)}
}

func (b *fakeBroker) dial(context.Context, string) (connection, error) {
	return &fakeConn{b: b}, nil
}

func (b *fakeBroker) snapshot() []publishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedMsg(nil), b.published...)
}

func (b *fakeBroker) last(t *testing.T) publishedMsg {
	t.Helper()
	pubs := b.snapshot()
	require.NotEmpty(t, pubs)
	return pubs[len(pubs)-1]
}

func (b *fakeBroker) ackedTags() (acked, nacked []uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.acked...), append([]uint64(nil), b.nacked...)
}

// deliver pushes a published message back as a delivery.
func (b *fakeBroker) deliver(p publishedMsg, tag uint64) {
	b.deliveries <- amqp.Delivery{
		Acknowledger: b,
		DeliveryTag:  tag,
		MessageId:    p.msg.MessageId,
		Type:         p.msg.Type,
		ContentType:  p.msg.ContentType,
		Timestamp:    p.msg.Timestamp,
		Headers:      p.msg.Headers,
		Body:         p.msg.Body,
	}
}

func (b *fakeBroker) Ack(tag uint64, _ bool) error {
	b.mu.Lock()
	b.acked = append(b.acked, tag)
	b.mu.Unlock()
	return nil
}

func (b *fakeBroker) Nack(tag uint64, _ bool, _ bool) error {
	b.mu.Lock()
	b.nacked = append(b.nacked, tag)
	b.mu.Unlock()
	return nil
}

func (b *fakeBroker) Reject(tag uint64, requeue bool) error { return b.Nack(tag, false, requeue) }

type fakeConn struct {
	b      *fakeBroker
	closed atomic.Bool
}

func (c *fakeConn) Channel(bool) (channel, error) { return &fakeChannel{b: c.b}, nil }
func (c *fakeConn) IsClosed() bool                { return c.closed.Load() }
func (c *fakeConn) Close() error                  { c.closed.Store(true); return nil }

type fakeChannel struct {
	b      *fakeBroker
	closed atomic.Bool
}

func (c *fakeChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	c.b.mu.Lock()
	c.b.declared[name] = args
	c.b.mu.Unlock()
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	n := 0
	for _, p := range c.b.published {
		if p.key == name {
			n++
		}
	}
	return amqp.Queue{Name: name, Messages: n}, nil
}

func (c *fakeChannel) QueueBind(string, string, string, bool, amqp.Table) error { return nil }
func (c *fakeChannel) Qos(int, int, bool) error                                 { return nil }

func (c *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return c.b.deliveries, nil
}

func (c *fakeChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error { return ch }

func (c *fakeChannel) PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	b := c.b
	b.mu.Lock()
	gate := b.gate
	b.inFlight++
	if b.inFlight > b.maxInFlight {
		b.maxInFlight = b.inFlight
	}
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight--
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if b.nack {
		return errors.New("broker nacked publish")
	}
	b.published = append(b.published, publishedMsg{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) IsClosed() bool { return c.closed.Load() }
func (c *fakeChannel) Close() error   { c.closed.Store(true); return nil }

func newTestQueue(t *testing.T, b *fakeBroker) *JobQueue {
	t.Helper()
	q, err := newJobQueue(t.Context(), Config{URL: "amqp://guest@localhost:5672/"}, b.dial)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func consume(t *testing.T, q *JobQueue) <-chan store.Delivery {
	t.Helper()
	out, err := q.Consume(t.Context())
	require.NoError(t, err)
	return out
}

func next(t *testing.T, out <-chan store.Delivery) store.Delivery {
	t.Helper()
	select {
	case d := <-out:
		return d
	case <-time.After(time.Second):
		t.Fatal("no delivery")
		return nil
	}
}

func TestSchedulePublishesToDelayQueue(t *testing.T) {
	b := newFakeBroker()
	q := newTestQueue(t, b)

	id, err := q.Schedule(t.Context(), "drain-conversation", []byte(`{"conversation_key":"c1"}`), 8*time.Second)
	require.NoError(t, err)

	p := b.last(t)
	require.Equal(t, "", p.exchange)
	require.Equal(t, "inboundq.delay.8000", p.key)
	require.Equal(t, id, p.msg.MessageId)
	require.Equal(t, "drain-conversation", p.msg.Type)
	require.Equal(t, int32(0), p.msg.Headers[headerAttempt])
	require.Equal(t, int32(3), p.msg.Headers[headerMaxAttempts])

	args := b.declared["inboundq.delay.8000"]
	require.Equal(t, int32(8000), args["x-message-ttl"])
	require.Equal(t, "inboundq", args["x-dead-letter-exchange"])
	require.Equal(t, workRoutingKey, args["x-dead-letter-routing-key"])

	_, err = q.Schedule(t.Context(), "drain-conversation", nil, 0)
	require.NoError(t, err)
	now := b.last(t)
	require.Equal(t, "inboundq", now.exchange, "zero delay goes straight to the work exchange")
	require.Equal(t, workRoutingKey, now.key)
}

func TestScheduleNackedIsNotTracked(t *testing.T) {
	b := newFakeBroker()
	q := newTestQueue(t, b)
	b.mu.Lock()
	b.nack = true
	b.mu.Unlock()

	_, err := q.Schedule(t.Context(), "drain-conversation", nil, time.Second)
	require.Error(t, err)
	pending, _ := q.tombs.size()
	require.Zero(t, pending)
}

func TestCancelledJobIsDroppedOnDelivery(t *testing.T) {
	b := newFakeBroker()
	q := newTestQueue(t, b)
	out := consume(t, q)

	cancelled, err := q.Schedule(t.Context(), "drain-conversation", []byte(`{"conversation_key":"c1"}`), time.Second)
	require.NoError(t, err)
	first := b.last(t)
	live, err := q.Schedule(t.Context(), "drain-conversation", []byte(`{"conversation_key":"c1"}`), time.Second)
	require.NoError(t, err)
	second := b.last(t)

	ok, err := q.Cancel(t.Context(), cancelled)
	require.NoError(t, err)
	require.True(t, ok)
	ok, _ = q.Cancel(t.Context(), cancelled)
	require.False(t, ok)
	ok, _ = q.Cancel(t.Context(), "scheduled-elsewhere")
	require.False(t, ok)

	b.deliver(first, 1)
	b.deliver(second, 2)

	d := next(t, out)
	require.Equal(t, live, d.Job().ID)
	require.Equal(t, 1, d.Job().Attempt)
	acked, _ := b.ackedTags()
	require.Equal(t, []uint64{1}, acked, "cancelled delivery is acked without reaching a worker")

	require.NoError(t, d.Ack(t.Context()))
	acked, _ = b.ackedTags()
	require.Equal(t, []uint64{1, 2}, acked)
}

func TestRetryRepublishesThroughBackoffQueue(t *testing.T) {
	b := newFakeBroker()
	q := newTestQueue(t, b)
	out := consume(t, q)

	_, err := q.Schedule(t.Context(), "drain-conversation", []byte(`{"conversation_key":"c1"}`), time.Second)
	require.NoError(t, err)
	b.deliver(b.last(t), 7)
	d := next(t, out)

	final, err := d.Retry(t.Context(), errors.New("pipeline down"), []byte(`{"conversation_key":"c1","batch":{}}`))
	require.NoError(t, err)
	require.False(t, final)

	p := b.last(t)
	require.Equal(t, "inboundq.delay.2000", p.key, "first retry waits BackoffBase")
	require.Equal(t, d.Job().ID, p.msg.MessageId)
	require.Equal(t, int32(1), p.msg.Headers[headerAttempt])
	require.Equal(t, "pipeline down", p.msg.Headers[headerError])
	require.JSONEq(t, `{"conversation_key":"c1","batch":{}}`, string(p.msg.Body))
	acked, _ := b.ackedTags()
	require.Equal(t, []uint64{7}, acked)

	// The redelivery counts the previous attempt.
	b.deliver(p, 8)
	again := next(t, out)
	require.Equal(t, 2, again.Job().Attempt)
	require.Equal(t, "pipeline down", again.Job().LastError)
}

func TestExhaustedRetryGoesToFinalQueue(t *testing.T) {
	b := newFakeBroker()
	q := newTestQueue(t, b)
	out := consume(t, q)

	b.deliver(publishedMsg{msg: amqp.Publishing{
		MessageId: "job-1",
		Type:      "drain-conversation",
		Body:      []byte(`{"conversation_key":"c1"}`),
		Headers:   amqp.Table{headerAttempt: int32(2), headerMaxAttempts: int32(3)},
	}}, 3)
	d := next(t, out)
	require.Equal(t, 3, d.Job().Attempt)

	final, err := d.Retry(t.Context(), errors.New("still down"), nil)
	require.NoError(t, err)
	require.True(t, final)

	p := b.last(t)
	require.Equal(t, "", p.exchange)
	require.Equal(t, "inboundq.final", p.key)
	require.Equal(t, "still down", p.msg.Headers[headerError])
	require.JSONEq(t, `{"conversation_key":"c1"}`, string(p.msg.Body))
	acked, _ := b.ackedTags()
	require.Equal(t, []uint64{3}, acked)
}

func TestFailGoesToFinalQueue(t *testing.T) {
	b := newFakeBroker()
	q := newTestQueue(t, b)
	out := consume(t, q)

	b.deliver(publishedMsg{msg: amqp.Publishing{MessageId: "job-2", Type: "drain-conversation", Body: []byte(`garbage`)}}, 4)
	d := next(t, out)
	require.NoError(t, d.Fail(t.Context(), errors.New("bad payload")))

	p := b.last(t)
	require.Equal(t, "inboundq.final", p.key)
	require.Equal(t, "bad payload", p.msg.Headers[headerError])

	depths, err := q.Depths(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, depths["inboundq.final"])
}

func TestRetryRequeuesWhenPublishFails(t *testing.T) {
	b := newFakeBroker()
	q := newTestQueue(t, b)
	out := consume(t, q)

	b.deliver(publishedMsg{msg: amqp.Publishing{MessageId: "job-3", Type: "drain-conversation"}}, 5)
	d := next(t, out)
	b.mu.Lock()
	b.nack = true
	b.mu.Unlock()

	_, err := d.Retry(t.Context(), errors.New("down"), nil)
	require.Error(t, err)
	acked, nacked := b.ackedTags()
	require.Empty(t, acked)
	require.Equal(t, []uint64{5}, nacked, "original is requeued rather than lost")
}

func TestPublishesDoNotWaitOnEachOther(t *testing.T) {
	b := newFakeBroker()
	q := newTestQueue(t, b)

	gate := make(chan struct{})
	b.mu.Lock()
	b.gate = gate
	b.mu.Unlock()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Schedule(context.Background(), "drain-conversation", nil, time.Second)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.inFlight == 2
	}, time.Second, 5*time.Millisecond, "second publish waited for the first confirm")

	// Diagnostics are not stuck behind unconfirmed publishes either.
	_, err := q.Depths(t.Context())
	require.NoError(t, err)

	close(gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, b.snapshot(), 2)
}
