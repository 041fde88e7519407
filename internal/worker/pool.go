// Package worker runs fired jobs from a store.JobQueue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/inboundq/internal/bus"
	"github.com/nextlevelbuilder/inboundq/internal/coordinator"
	"github.com/nextlevelbuilder/inboundq/internal/store"
	"github.com/nextlevelbuilder/inboundq/pkg/protocol"
)

// DefaultConcurrency is the number of jobs a Pool runs at once.
const DefaultConcurrency = 5

// HandlerFunc processes one job. A nil return acks it.
type HandlerFunc func(ctx context.Context, job store.Job) error

// Pool consumes a queue with a fixed number of goroutines and routes each
// job to the handler registered for its name.
type Pool struct {
	queue       store.JobQueue
	concurrency int
	handlers    map[string]HandlerFunc
	onExhausted func(store.Job, error)

	events bus.EventPublisher
	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Pool.
type Option func(*Pool)

func WithConcurrency(n int) Option { return func(p *Pool) { p.concurrency = n } }
func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.logger = l } }
func WithEvents(e bus.EventPublisher) Option { return func(p *Pool) { p.events = e } }

// OnExhausted is called after a job's final failed attempt.
func OnExhausted(fn func(store.Job, error)) Option { return func(p *Pool) { p.onExhausted = fn } }

func NewPool(queue store.JobQueue, opts ...Option) *Pool {
	p := &Pool{
		queue:       queue,
		concurrency: DefaultConcurrency,
		handlers:    make(map[string]HandlerFunc),
		events:      bus.Nop{},
		logger:      slog.Default(),
		tracer:      otel.Tracer("inboundq/worker"),
	}
	for _, o := range opts {
		o(p)
	}
	if p.concurrency <= 0 {
		p.concurrency = DefaultConcurrency
	}
	return p
}

// Handle registers h for jobs named name. Call before Run.
func (p *Pool) Handle(name string, h HandlerFunc) {
	p.handlers[name] = h
}

// Run consumes until ctx is cancelled, then waits for in-flight jobs.
// In-flight handlers keep running with ctx's values but not its cancellation;
// their own timeouts bound them.
func (p *Pool) Run(ctx context.Context) error {
	deliveries, err := p.queue.Consume(ctx)
	if err != nil {
		return fmt.Errorf("worker: consume: %w", err)
	}
	p.logger.Info("worker: pool started", "concurrency", p.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				p.handle(context.WithoutCancel(ctx), d)
			}
		}()
	}
	wg.Wait()
	p.logger.Info("worker: pool stopped")
	return nil
}

func (p *Pool) handle(ctx context.Context, d store.Delivery) {
	job := d.Job()
	ctx, span := p.tracer.Start(ctx, "worker.handle", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.name", job.Name),
		attribute.Int("job.attempt", job.Attempt),
	))
	defer span.End()
	log := p.logger.With("job_id", job.ID, "job", job.Name, "attempt", job.Attempt)

	h, ok := p.handlers[job.Name]
	if !ok {
		log.Warn("worker: unknown job, ignoring")
		p.events.Broadcast(bus.Event{Name: protocol.EventJobIgnored, Payload: bus.JobEvent{JobID: job.ID, Name: job.Name, Attempt: job.Attempt}})
		p.settle(log, "ack", d.Ack(ctx))
		return
	}

	start := time.Now()
	err := h(ctx, job)
	if err == nil {
		log.Debug("worker: job done", "duration", time.Since(start))
		p.settle(log, "ack", d.Ack(ctx))
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if errors.Is(err, coordinator.ErrBadPayload) {
		log.Error("worker: poison job, not retrying", "error", err, "payload", string(job.Payload))
		p.settle(log, "fail", d.Fail(ctx, err))
		return
	}

	var payload []byte
	var derr *coordinator.DispatchError
	if errors.As(err, &derr) {
		payload = derr.RetryPayload()
	}
	final, rerr := d.Retry(ctx, err, payload)
	if rerr != nil {
		p.settle(log, "retry", rerr)
		return
	}
	if !final {
		log.Warn("worker: job failed, will retry", "error", err)
		return
	}
	if payload != nil {
		job.Payload = payload
	}
	log.Error("worker: job exhausted", "error", err, "payload", string(job.Payload))
	if p.onExhausted != nil {
		p.onExhausted(job, err)
	}
}

// settle logs a failed Ack/Retry/Fail. The lease expires and the job comes
// back, which the handlers tolerate.
func (p *Pool) settle(log *slog.Logger, op string, err error) {
	if err != nil {
		log.Warn("worker: settle failed", "op", op, "error", err)
	}
}
