package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nextlevelbuilder/inboundq/internal/store"
)

type delivery struct {
	q   *JobQueue
	d   amqp.Delivery
	job store.Job
}

func (q *JobQueue) newDelivery(d amqp.Delivery) *delivery {
	return &delivery{q: q, d: d, job: jobFromDelivery(d, q.qcfg.MaxAttempts, q.now())}
}

// jobFromDelivery rebuilds the job view. Attempt counts this delivery.
func jobFromDelivery(d amqp.Delivery, defaultMax int, now time.Time) store.Job {
	maxAttempts := headerInt(d.Headers, headerMaxAttempts)
	if maxAttempts <= 0 {
		maxAttempts = defaultMax
	}
	runAt := now
	if ms := headerInt(d.Headers, headerScheduledAt); ms > 0 {
		runAt = time.UnixMilli(int64(ms))
	}
	lastErr, _ := d.Headers[headerError].(string)
	return store.Job{
		ID:          d.MessageId,
		Name:        d.Type,
		Payload:     d.Body,
		Status:      store.JobStatusRunning,
		Attempt:     headerInt(d.Headers, headerAttempt) + 1,
		MaxAttempts: maxAttempts,
		RunAt:       runAt,
		LastError:   lastErr,
		CreatedAt:   d.Timestamp,
		UpdatedAt:   now,
	}
}

// republishHeaders copies the job headers for the next hop.
func republishHeaders(job store.Job, cause error) amqp.Table {
	h := amqp.Table{
		headerAttempt:     int32(job.Attempt),
		headerMaxAttempts: int32(job.MaxAttempts),
	}
	if cause != nil {
		h[headerError] = cause.Error()
	}
	return h
}

func (dl *delivery) Job() store.Job { return dl.job }

func (dl *delivery) Ack(_ context.Context) error {
	return dl.d.Ack(false)
}

func (dl *delivery) Retry(ctx context.Context, cause error, payload []byte) (bool, error) {
	if payload == nil {
		payload = dl.job.Payload
	}
	if dl.job.Attempt >= dl.job.MaxAttempts {
		if err := dl.toFinal(ctx, cause, payload); err != nil {
			return false, err
		}
		return true, nil
	}
	backoff := dl.q.qcfg.Backoff(dl.job.Attempt)
	headers := republishHeaders(dl.job, cause)
	headers[headerScheduledAt] = dl.q.now().Add(backoff).UnixMilli()
	err := dl.q.publish(ctx, backoff, amqp.Publishing{
		MessageId:    dl.job.ID,
		Type:         dl.job.Name,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    dl.job.CreatedAt,
		Body:         payload,
		Headers:      headers,
	})
	if err != nil {
		_ = dl.d.Nack(false, true)
		return false, err
	}
	return false, dl.d.Ack(false)
}

func (dl *delivery) Fail(ctx context.Context, cause error) error {
	return dl.toFinal(ctx, cause, dl.job.Payload)
}

// toFinal parks the job in the final queue and acks the original. When the
// copy cannot be published the original is requeued rather than lost.
func (dl *delivery) toFinal(ctx context.Context, cause error, payload []byte) error {
	err := dl.q.publishFinal(ctx, amqp.Publishing{
		MessageId:    dl.job.ID,
		Type:         dl.job.Name,
		ContentType:  firstNonEmpty(dl.d.ContentType, "application/json"),
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
		Headers:      republishHeaders(dl.job, cause),
	})
	if err != nil {
		_ = dl.d.Nack(false, true)
		return err
	}
	return dl.d.Ack(false)
}
