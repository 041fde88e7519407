// Package coordinator debounces inbound messages per conversation and
// dispatches each settled burst as one coalesced batch.
//
// Every message is appended to the BufferStore and re-arms a delayed
// drain-conversation job. When a job fires, the buffer is drained atomically
// and sent downstream once. The drain is the only correctness mechanism:
// the per-key trigger ids kept here are a local hint that saves redundant
// fires, and several processes may each hold a trigger for the same key.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/inboundq/internal/bus"
	"github.com/nextlevelbuilder/inboundq/internal/dispatch"
	"github.com/nextlevelbuilder/inboundq/internal/store"
	"github.com/nextlevelbuilder/inboundq/pkg/protocol"
)

// JobName is the queue job name of a debounce trigger.
const JobName = "drain-conversation"

const (
	DefaultDelay           = 8000 * time.Millisecond
	DefaultDispatchTimeout = 30 * time.Second
)

// Residual policies.
const (
	// ResidualProbe re-arms after a dispatch only when Size reports messages.
	ResidualProbe = "probe"
	// ResidualAlways re-arms after every non-empty dispatch. The extra
	// trigger usually drains nothing.
	ResidualAlways = "always"
)

// Config holds the debounce policy.
type Config struct {
	Delay           time.Duration
	DispatchTimeout time.Duration
	ResidualPolicy  string
}

func (c Config) withDefaults() Config {
	if c.Delay <= 0 {
		c.Delay = DefaultDelay
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.ResidualPolicy == "" {
		c.ResidualPolicy = ResidualProbe
	}
	return c
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	cfg      Config
	buffers  store.BufferStore
	jobs     store.JobQueue
	pipeline dispatch.Pipeline

	hints  *hintMap
	events bus.EventPublisher
	logger *slog.Logger
	now    func() time.Time
	tracer trace.Tracer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// WithEvents publishes lifecycle events (message.buffered, batch.dispatched...).
func WithEvents(p bus.EventPublisher) Option { return func(c *Coordinator) { c.events = p } }

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

func New(cfg Config, buffers store.BufferStore, jobs store.JobQueue, pipeline dispatch.Pipeline, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:      cfg.withDefaults(),
		buffers:  buffers,
		jobs:     jobs,
		pipeline: pipeline,
		hints:    newHintMap(),
		events:   bus.Nop{},
		logger:   slog.Default(),
		now:      time.Now,
		tracer:   otel.Tracer("inboundq/coordinator"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Delay returns the configured debounce delay.
func (c *Coordinator) Delay() time.Duration { return c.cfg.Delay }

// DispatchOutcome describes one successful dispatch.
type DispatchOutcome struct {
	Batch  *bus.Batch
	Result *bus.DispatchResult
}

// AddMessage buffers one message and pushes the key's trigger out by the
// debounce delay. Once it returns nil the message is durable and some
// trigger for the key is scheduled.
func (c *Coordinator) AddMessage(ctx context.Context, key, agentID, text string, metadata map[string]string) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.add_message",
		trace.WithAttributes(attribute.String("conversation.key", key)))
	defer span.End()

	msg := bus.BufferedMessage{
		ConversationKey: key,
		AgentID:         agentID,
		Text:            text,
		Metadata:        metadata,
		EnqueuedAt:      c.now(),
	}
	if err := c.buffers.Append(ctx, key, msg); err != nil {
		err = fmt.Errorf("coordinator: append %s: %w: %w", key, ErrStoreUnavailable, err)
		recordError(span, err)
		return err
	}

	jobID, err := c.arm(ctx, key)
	if err != nil {
		recordError(span, err)
		return err
	}
	span.SetAttributes(attribute.String("job.id", jobID))
	c.publish(protocol.EventMessageBuffered, bus.CoordinatorEvent{ConversationKey: key, JobID: jobID})
	return nil
}

// arm schedules a fresh trigger for key, records it as the hint and cancels
// the trigger it displaced. Schedule runs first so a failure never leaves the
// key without a trigger.
func (c *Coordinator) arm(ctx context.Context, key string) (string, error) {
	payload, err := encodeTrigger(key)
	if err != nil {
		return "", fmt.Errorf("coordinator: encode trigger: %w", err)
	}
	jobID, err := c.jobs.Schedule(ctx, JobName, payload, c.cfg.Delay)
	if err != nil {
		return "", fmt.Errorf("coordinator: schedule %s: %w: %w", key, ErrScheduleFailed, err)
	}
	if prev := c.hints.swap(key, jobID); prev != "" && prev != jobID {
		c.cancel(ctx, key, prev)
	}
	return jobID, nil
}

func (c *Coordinator) cancel(ctx context.Context, key, jobID string) {
	ok, err := c.jobs.Cancel(ctx, jobID)
	if err != nil || !ok {
		c.logger.Debug("coordinator: cancel superseded trigger", "conversation", key, "job_id", jobID, "cancelled", ok, "error", err)
	}
}

// DrainAndDispatch drains key and dispatches whatever it held, regardless of
// any pending trigger (operator flush, shutdown). The key's hinted trigger is
// cancelled since this drain supersedes it. It returns nil, nil when the
// buffer was empty.
//
// With no job to retry, a failed dispatch is handed to the queue as a
// carried-batch trigger so the drained messages are not dropped.
func (c *Coordinator) DrainAndDispatch(ctx context.Context, key string) (*DispatchOutcome, error) {
	if prev := c.hints.clear(key); prev != "" {
		c.cancel(ctx, key, prev)
	}
	out, err := c.drainAndDispatch(ctx, key, "")
	var derr *DispatchError
	if errors.As(err, &derr) {
		c.handOff(ctx, derr)
	}
	return out, err
}

// handOffTimeout bounds the Schedule that carries a failed flush batch.
const handOffTimeout = 10 * time.Second

// handOff runs detached from ctx: the dispatch usually failed because ctx
// ended, and the batch exists nowhere else once drained.
func (c *Coordinator) handOff(ctx context.Context, derr *DispatchError) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handOffTimeout)
	defer cancel()
	b := derr.Batch
	jobID, err := c.jobs.Schedule(ctx, JobName, derr.RetryPayload(), 0)
	if err != nil {
		c.logger.Error("coordinator: batch lost, hand-off failed",
			"conversation", b.ConversationKey,
			"agent", b.AgentID,
			"messages", b.MessageCount,
			"combined_text", b.CombinedText,
			"metadata", b.Metadata,
			"error", err)
		return
	}
	c.logger.Warn("coordinator: failed batch handed to queue", "conversation", b.ConversationKey, "job_id", jobID)
}

// HandleTrigger runs a fired drain-conversation job. A payload carrying a
// batch is a retry of a failed dispatch: the batch is resent as-is and the
// buffer is left to its own triggers.
func (c *Coordinator) HandleTrigger(ctx context.Context, job store.Job) error {
	p, err := DecodeTrigger(job.Payload)
	if err != nil {
		return fmt.Errorf("coordinator: job %s: %w", job.ID, err)
	}
	c.hints.clearIf(p.ConversationKey, job.ID)

	if p.Batch == nil {
		_, err = c.drainAndDispatch(ctx, p.ConversationKey, job.ID)
		return err
	}

	ctx, span := c.tracer.Start(ctx, "coordinator.drain_and_dispatch", trace.WithAttributes(
		attribute.String("conversation.key", p.ConversationKey),
		attribute.String("job.id", job.ID),
		attribute.Int("job.attempt", job.Attempt),
		attribute.Bool("batch.carried", true),
	))
	defer span.End()
	if _, err := c.dispatchBatch(ctx, p.Batch, job.ID); err != nil {
		recordError(span, err)
		return err
	}
	c.checkResidual(ctx, p.ConversationKey, true)
	return nil
}

func (c *Coordinator) drainAndDispatch(ctx context.Context, key, jobID string) (*DispatchOutcome, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.drain_and_dispatch", trace.WithAttributes(
		attribute.String("conversation.key", key),
		attribute.String("job.id", jobID),
	))
	defer span.End()

	msgs, err := c.buffers.Drain(ctx, key)
	if err != nil && !errors.Is(err, store.ErrUndecodableMessage) {
		err = fmt.Errorf("coordinator: drain %s: %w: %w", key, ErrStoreUnavailable, err)
		recordError(span, err)
		return nil, err
	}
	if err != nil {
		// The store removed the buffer but could only decode part of it.
		// Dispatch what survived; the rest is reported here.
		c.logger.Error("coordinator: partial drain", "conversation", key, "recovered", len(msgs), "error", err)
		recordError(span, err)
	}
	if len(msgs) == 0 {
		span.SetAttributes(attribute.Int("batch.messages", 0))
		return nil, nil
	}

	batch := coalesce(key, msgs)
	span.SetAttributes(attribute.Int("batch.messages", batch.MessageCount))
	outcome, err := c.dispatchBatch(ctx, batch, jobID)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	c.checkResidual(ctx, key, false)
	return outcome, nil
}

// dispatchBatch makes the single downstream call for batch, bounded by the
// dispatch timeout.
func (c *Coordinator) dispatchBatch(ctx context.Context, batch *bus.Batch, jobID string) (*DispatchOutcome, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DispatchTimeout)
	defer cancel()

	start := time.Now()
	res, err := c.pipeline.Dispatch(dctx, requestFor(batch))
	if err != nil {
		derr := &DispatchError{Batch: batch, Err: err}
		c.logger.Warn("coordinator: dispatch failed",
			"conversation", batch.ConversationKey,
			"messages", batch.MessageCount,
			"job_id", jobID,
			"error", err)
		c.publish(protocol.EventDispatchFailed, bus.CoordinatorEvent{
			ConversationKey: batch.ConversationKey,
			JobID:           jobID,
			Messages:        batch.MessageCount,
			Error:           err.Error(),
		})
		return nil, derr
	}
	if res == nil {
		res = &bus.DispatchResult{ConversationKey: batch.ConversationKey}
	}
	c.logger.Info("coordinator: batch dispatched",
		"conversation", batch.ConversationKey,
		"messages", batch.MessageCount,
		"dispatch_id", res.DispatchID,
		"duration", time.Since(start))
	c.publish(protocol.EventBatchDispatched, bus.CoordinatorEvent{
		ConversationKey: batch.ConversationKey,
		JobID:           jobID,
		Messages:        batch.MessageCount,
		DispatchID:      res.DispatchID,
	})
	return &DispatchOutcome{Batch: batch, Result: res}, nil
}

// checkResidual re-arms key when messages arrived while it was draining.
// A failure is logged: the message that caused the residual already
// scheduled its own trigger in AddMessage.
func (c *Coordinator) checkResidual(ctx context.Context, key string, carried bool) {
	rearm := c.cfg.ResidualPolicy == ResidualAlways && !carried
	if !rearm {
		n, err := c.buffers.Size(ctx, key)
		if err != nil {
			c.logger.Warn("coordinator: residual probe failed", "conversation", key, "error", err)
			return
		}
		rearm = n > 0
	}
	if !rearm {
		return
	}
	jobID, err := c.arm(ctx, key)
	if err != nil {
		c.logger.Warn("coordinator: residual re-arm failed", "conversation", key, "error", err)
		return
	}
	c.logger.Debug("coordinator: trigger re-armed", "conversation", key, "job_id", jobID)
	c.publish(protocol.EventTriggerRearmed, bus.CoordinatorEvent{ConversationKey: key, JobID: jobID})
}

// Exhausted reports a trigger that ran out of attempts. The full batch is
// logged so it can be replayed by hand; it is not put back in the buffer.
func (c *Coordinator) Exhausted(job store.Job, cause error) {
	attrs := []any{"job_id", job.ID, "attempts", job.Attempt, "error", cause}
	if p, err := DecodeTrigger(job.Payload); err == nil {
		attrs = append(attrs, "conversation", p.ConversationKey)
		if p.Batch != nil {
			attrs = append(attrs,
				"agent", p.Batch.AgentID,
				"messages", p.Batch.MessageCount,
				"combined_text", p.Batch.CombinedText,
				"metadata", p.Batch.Metadata)
		}
	}
	c.logger.Error("coordinator: dispatch exhausted", attrs...)
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	c.publish(protocol.EventJobExhausted, bus.JobEvent{JobID: job.ID, Name: job.Name, Attempt: job.Attempt, Error: errText})
}

// Replay dispatches the batch carried by a failed job. Jobs that failed
// before their buffer was drained carry no batch and fall back to a drain.
func (c *Coordinator) Replay(ctx context.Context, job store.Job) (*DispatchOutcome, error) {
	p, err := DecodeTrigger(job.Payload)
	if err != nil {
		return nil, fmt.Errorf("coordinator: replay %s: %w", job.ID, err)
	}
	if p.Batch == nil {
		return c.drainAndDispatch(ctx, p.ConversationKey, job.ID)
	}
	return c.dispatchBatch(ctx, p.Batch, job.ID)
}

// Shutdown drains every key this process holds a trigger for, so nothing
// buffered here waits on a timer that may never be served. Call it before
// closing the stores.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	keys := c.hints.keys()
	if len(keys) > 0 {
		c.logger.Info("coordinator: draining pending conversations", "count", len(keys))
	}
	var errs []error
	for _, key := range keys {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := c.DrainAndDispatch(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PendingKeys returns the keys with a locally known trigger, sorted.
func (c *Coordinator) PendingKeys() []string { return c.hints.keys() }

// PendingTrigger returns the locally known trigger id for key.
func (c *Coordinator) PendingTrigger(key string) (string, bool) { return c.hints.get(key) }

func (c *Coordinator) publish(name string, payload any) {
	c.events.Broadcast(bus.Event{Name: name, Payload: payload})
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
