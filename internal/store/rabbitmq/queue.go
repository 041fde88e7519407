// Package rabbitmq implements store.JobQueue on RabbitMQ.
//
// Scheduling publishes into a per-delay holding queue whose queue-level TTL
// dead-letters the message into the work exchange once the delay has passed.
// Retries reuse the same mechanism with the backoff as the delay, carrying
// the attempt count in an x-attempt header. Exhausted and failed jobs are
// copied to <name>.final and acked.
//
// Cancel is process-local: the broker cannot remove a message from the
// middle of a queue, so cancelled ids are remembered and dropped on arrival.
// A job scheduled by another process cannot be cancelled from here; the
// handler sees it and must tolerate the extra delivery.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nextlevelbuilder/inboundq/internal/store"
)

const tombstoneTTL = time.Hour

// ErrClosed is returned after Close.
var ErrClosed = errors.New("rabbitmq: queue closed")

// Config configures the connection and topology.
type Config struct {
	URL      string
	Exchange string // defaults to the queue name
	Queue    store.QueueConfig

	ConnTimeout        time.Duration
	ReconnectBase      time.Duration
	ReconnectCap       time.Duration
	ReconnectJitterPct int

	Dialer func(ctx context.Context, url string) (*amqp.Connection, error)
	Logger *slog.Logger
}

// JobQueue is a store.JobQueue backed by a RabbitMQ connection.
type JobQueue struct {
	cfg    Config
	qcfg   store.QueueConfig
	topo   topology
	logger *slog.Logger
	now    func() time.Time
	tombs  *tombstones
	dial   dialFunc

	// mu guards the connection fields and is held only to swap them or to
	// reconnect. Publishes and consumer setup run outside it.
	mu     sync.Mutex
	conn   connection
	pub    *publisher
	closed bool
}

// publisher is the confirm-mode channel shared by every publish on one
// connection.
type publisher struct {
	ch channel

	mu       sync.Mutex
	declared map[string]bool
}

// New dials the broker and declares the static topology.
func New(ctx context.Context, cfg Config) (*JobQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq: URL is required")
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	if cfg.Dialer == nil {
		timeout := cfg.ConnTimeout
		cfg.Dialer = func(_ context.Context, u string) (*amqp.Connection, error) {
			return amqp.DialConfig(u, amqp.Config{Dial: amqp.DefaultDial(timeout)})
		}
	}
	dialer := cfg.Dialer
	return newJobQueue(ctx, cfg, func(ctx context.Context, u string) (connection, error) {
		conn, err := dialer(ctx, u)
		if err != nil {
			return nil, err
		}
		return amqpConn{conn}, nil
	})
}

func newJobQueue(ctx context.Context, cfg Config, dial dialFunc) (*JobQueue, error) {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	qcfg := cfg.Queue.WithDefaults()
	q := &JobQueue{
		cfg:    cfg,
		qcfg:   qcfg,
		topo:   newTopology(qcfg.Name, cfg.Exchange),
		logger: logger.With("component", "rabbitmq", "queue", qcfg.Name),
		now:    time.Now,
		tombs:  newTombstones(tombstoneTTL),
		dial:   dial,
	}

	host := ""
	if u, err := url.Parse(cfg.URL); err == nil {
		host = u.Host
	}
	q.logger.Info("connecting to rabbitmq", "host", host)

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.connectLocked(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// connectLocked (re)dials and declares the exchange, work queue and final
// queue. Delay queues are declared lazily on first use.
func (q *JobQueue) connectLocked(ctx context.Context) error {
	if q.conn != nil && !q.conn.IsClosed() {
		_ = q.conn.Close()
	}
	conn, err := q.dial(ctx, q.cfg.URL)
	if err != nil {
		return fmt.Errorf("rabbitmq: dial: %w", err)
	}
	ch, err := conn.Channel(true)
	if err != nil {
		conn.Close()
		return fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	if err := q.declareTopology(ch); err != nil {
		safeClose(ch)
		conn.Close()
		return err
	}
	q.conn = conn
	q.pub = &publisher{ch: ch, declared: make(map[string]bool)}
	return nil
}

func (q *JobQueue) declareTopology(ch channel) error {
	t := q.topo
	if err := ch.ExchangeDeclare(t.exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: declare exchange %s: %w", t.exchange, err)
	}
	if _, err := ch.QueueDeclare(t.work, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: declare queue %s: %w", t.work, err)
	}
	if err := ch.QueueBind(t.work, workRoutingKey, t.exchange, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: bind %s: %w", t.work, err)
	}
	if _, err := ch.QueueDeclare(t.final, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: declare queue %s: %w", t.final, err)
	}
	return nil
}

// currentPublisher returns the live publisher, reconnecting when needed.
func (q *JobQueue) currentPublisher(ctx context.Context) (*publisher, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if q.pub == nil || q.pub.ch.IsClosed() {
		if err := q.connectLocked(ctx); err != nil {
			return nil, err
		}
	}
	return q.pub, nil
}

// delayQueue declares the holding queue for d once per connection. Racing
// callers may both declare; redeclaring with the same arguments is a no-op
// on the broker.
func (p *publisher) delayQueue(topo topology, d time.Duration) (string, error) {
	name := topo.delayQueue(d)
	p.mu.Lock()
	done := p.declared[name]
	p.mu.Unlock()
	if done {
		return name, nil
	}
	args := amqp.Table{
		"x-message-ttl":             int32(delayMillis(d)),
		"x-dead-letter-exchange":    topo.exchange,
		"x-dead-letter-routing-key": workRoutingKey,
	}
	if _, err := p.ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return "", fmt.Errorf("rabbitmq: declare queue %s: %w", name, err)
	}
	p.mu.Lock()
	p.declared[name] = true
	p.mu.Unlock()
	return name, nil
}

// publish sends msg after delay (or straight to the work exchange when delay
// is zero) and waits for the broker confirm.
func (q *JobQueue) publish(ctx context.Context, delay time.Duration, msg amqp.Publishing) error {
	p, err := q.currentPublisher(ctx)
	if err != nil {
		return err
	}
	exchange, key := q.topo.exchange, workRoutingKey
	if delay > 0 {
		name, err := p.delayQueue(q.topo, delay)
		if err != nil {
			return err
		}
		exchange, key = "", name
	}
	if err := p.ch.PublishConfirmed(ctx, exchange, key, msg); err != nil {
		return fmt.Errorf("rabbitmq: publish %s: %w", key, err)
	}
	return nil
}

// publishFinal parks msg in the final queue.
func (q *JobQueue) publishFinal(ctx context.Context, msg amqp.Publishing) error {
	p, err := q.currentPublisher(ctx)
	if err != nil {
		return err
	}
	if err := p.ch.PublishConfirmed(ctx, "", q.topo.final, msg); err != nil {
		return fmt.Errorf("rabbitmq: publish %s: %w", q.topo.final, err)
	}
	return nil
}

func (q *JobQueue) Schedule(ctx context.Context, name string, payload []byte, delay time.Duration) (string, error) {
	id := uuid.Must(uuid.NewV7()).String()
	now := q.now()
	msg := amqp.Publishing{
		MessageId:    id,
		Type:         name,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		Body:         payload,
		Headers: amqp.Table{
			headerAttempt:     int32(0),
			headerMaxAttempts: int32(q.qcfg.MaxAttempts),
			headerScheduledAt: now.Add(delay).UnixMilli(),
		},
	}
	// Track before publishing so a cancel racing the confirm still lands.
	q.tombs.track(id, now.Add(delay), now)
	if err := q.publish(ctx, delay, msg); err != nil {
		q.tombs.take(id)
		return "", fmt.Errorf("rabbitmq: schedule %s: %w", name, err)
	}
	return id, nil
}

// Cancel marks a job scheduled by this process so it is dropped on arrival.
func (q *JobQueue) Cancel(_ context.Context, jobID string) (bool, error) {
	return q.tombs.cancel(jobID), nil
}

// Consume runs a supervised consumer that reconnects with jittered backoff
// until ctx is done.
func (q *JobQueue) Consume(ctx context.Context) (<-chan store.Delivery, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	out := make(chan store.Delivery)
	go q.consumeLoop(ctx, out)
	return out, nil
}

func (q *JobQueue) consumeLoop(ctx context.Context, out chan<- store.Delivery) {
	defer close(out)
	backoff := q.cfg.ReconnectBase
	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()

	for ctx.Err() == nil {
		ch, msgs, err := q.openConsumer(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			wait := jitteredDelay(backoff, q.cfg.ReconnectCap, q.cfg.ReconnectJitterPct)
			q.logger.Error("rabbitmq: consumer start failed", "error", err, "retry_in", wait)
			if sleepCtx(ctx, wait) != nil {
				return
			}
			if backoff*2 < q.cfg.ReconnectCap {
				backoff *= 2
			}
			continue
		}
		backoff = q.cfg.ReconnectBase
		q.logger.Info("consumer started", "queue", q.topo.work, "prefetch", q.qcfg.Prefetch)

		closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))
		if !q.pump(ctx, msgs, closeCh, sweep.C, out) {
			safeClose(ch)
			return
		}
		safeClose(ch)
	}
}

// pump forwards deliveries until the channel dies (returns true, reconnect)
// or ctx ends (returns false).
func (q *JobQueue) pump(ctx context.Context, msgs <-chan amqp.Delivery, closeCh <-chan *amqp.Error, sweep <-chan time.Time, out chan<- store.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case err := <-closeCh:
			q.logger.Warn("rabbitmq: consumer channel closed, reconnecting", "error", err)
			return true
		case now := <-sweep:
			if n := q.tombs.sweep(now); n > 0 {
				q.logger.Debug("rabbitmq: swept tombstones", "count", n)
			}
		case d, ok := <-msgs:
			if !ok {
				return true
			}
			if q.tombs.take(d.MessageId) {
				q.logger.Debug("rabbitmq: dropped cancelled job", "job_id", d.MessageId)
				_ = d.Ack(false)
				continue
			}
			del := q.newDelivery(d)
			select {
			case out <- del:
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return false
			}
		}
	}
}

func (q *JobQueue) openConsumer(ctx context.Context) (channel, <-chan amqp.Delivery, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, nil, ErrClosed
	}
	if q.conn == nil || q.conn.IsClosed() {
		if err := q.connectLocked(ctx); err != nil {
			q.mu.Unlock()
			return nil, nil, err
		}
	}
	conn := q.conn
	q.mu.Unlock()

	ch, err := conn.Channel(false)
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	if err := ch.Qos(q.qcfg.Prefetch, 0, false); err != nil {
		safeClose(ch)
		return nil, nil, fmt.Errorf("rabbitmq: qos: %w", err)
	}
	msgs, err := ch.Consume(q.topo.work, "", false, false, false, false, nil)
	if err != nil {
		safeClose(ch)
		return nil, nil, fmt.Errorf("rabbitmq: consume %s: %w", q.topo.work, err)
	}
	return ch, msgs, nil
}

// Depths reports ready message counts for the work and final queues.
func (q *JobQueue) Depths(_ context.Context) (map[string]int, error) {
	q.mu.Lock()
	conn := q.conn
	closed := q.closed
	q.mu.Unlock()
	if closed || conn == nil || conn.IsClosed() {
		return nil, ErrClosed
	}
	ch, err := conn.Channel(false)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	defer safeClose(ch)
	out := make(map[string]int, 2)
	for _, name := range []string{q.topo.work, q.topo.final} {
		info, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq: inspect %s: %w", name, err)
		}
		out[name] = info.Messages
	}
	pending, cancelled := q.tombs.size()
	out["local.pending"] = pending
	out["local.cancelled"] = cancelled
	return out, nil
}

func (q *JobQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if q.pub != nil {
		safeClose(q.pub.ch)
	}
	if q.conn != nil && !q.conn.IsClosed() {
		return q.conn.Close()
	}
	return nil
}
