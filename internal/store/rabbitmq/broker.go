package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// connection and channel are the parts of amqp091 the queue drives.
type connection interface {
	// Channel opens a channel, in confirm mode when confirm is set.
	Channel(confirm bool) (channel, error)
	IsClosed() bool
	Close() error
}

type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	// PublishConfirmed publishes msg and waits for the broker's confirm.
	// Safe for concurrent use on one channel.
	PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

type dialFunc func(ctx context.Context, url string) (connection, error)

type amqpConn struct{ *amqp.Connection }

func (c amqpConn) Channel(confirm bool) (channel, error) {
	raw, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	ch := amqpChannel{raw}
	if confirm {
		if err := raw.Confirm(false); err != nil {
			safeClose(ch)
			return nil, fmt.Errorf("enable confirms: %w", err)
		}
	}
	return ch, nil
}

type amqpChannel struct{ *amqp.Channel }

func (c amqpChannel) PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	dc, err := c.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return err
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("confirm: %w", err)
	}
	if !ok {
		return fmt.Errorf("broker nacked publish")
	}
	return nil
}
