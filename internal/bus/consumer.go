package bus

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hongminglow/usersync/internal/apperr"
	"github.com/hongminglow/usersync/internal/logging"
)

// Delivery is one received message. Exactly one of Ack, Requeue or Discard
// should be called.
type Delivery struct {
	raw amqp.Delivery
}

func (d *Delivery) Body() []byte      { return d.raw.Body }
func (d *Delivery) MessageID() string { return d.raw.MessageId }
func (d *Delivery) Redelivered() bool { return d.raw.Redelivered }

// Ack removes the message from the queue.
func (d *Delivery) Ack() error { return d.raw.Ack(false) }

// Requeue hands the message back to the broker for redelivery.
func (d *Delivery) Requeue() error { return d.raw.Nack(false, true) }

// Discard rejects the message without requeueing; with a dead-letter route
// the broker moves it to the dead-letter queue.
func (d *Delivery) Discard() error { return d.raw.Reject(false) }

// consumeChannel is the part of *amqp.Channel a subscription uses.
type consumeChannel interface {
	declarer
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Consumer pulls deliveries from a durable queue with manual
// acknowledgement. Receive resubscribes after connection or channel loss.
// A Consumer must be used from a single goroutine.
type Consumer struct {
	open     func(ctx context.Context) (consumeChannel, error)
	route    Route
	prefetch int
	logger   logging.Logger

	ch         consumeChannel
	deliveries <-chan amqp.Delivery
}

func NewConsumer(conn *Connection, route Route, prefetch int, logger logging.Logger) *Consumer {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Consumer{
		open: func(ctx context.Context) (consumeChannel, error) {
			return conn.Channel(ctx)
		},
		route:    route,
		prefetch: prefetch,
		logger:   logger.With("component", "consumer", "queue", route.Queue),
	}
}

// Receive blocks until a delivery arrives or ctx ends. A subscription that
// cannot be set up, such as a queue declared elsewhere with different
// arguments, fails with apperr.ErrBrokerUnavailable so the caller can pause
// before trying again.
func (c *Consumer) Receive(ctx context.Context) (*Delivery, error) {
	for {
		if c.deliveries == nil {
			if err := c.subscribe(ctx); err != nil {
				return nil, err
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-c.deliveries:
			if !ok {
				c.logger.Warn(ctx, "delivery stream closed, resubscribing")
				c.drop()
				continue
			}
			return &Delivery{raw: d}, nil
		}
	}
}

// Close cancels the subscription. Unacknowledged deliveries are requeued by
// the broker.
func (c *Consumer) Close() error {
	c.drop()
	return nil
}

func (c *Consumer) subscribe(ctx context.Context) error {
	ch, err := c.open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	deliveries, err := c.setup(ch)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("%w: subscribe %s: %v", apperr.ErrBrokerUnavailable, c.route.Queue, err)
	}

	c.ch = ch
	c.deliveries = deliveries
	c.logger.Info(ctx, "consuming", "prefetch", c.prefetch)
	return nil
}

func (c *Consumer) setup(ch consumeChannel) (<-chan amqp.Delivery, error) {
	if err := c.route.declare(ch); err != nil {
		return nil, fmt.Errorf("declare route: %w", err)
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(c.route.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", c.route.Queue, err)
	}
	return deliveries, nil
}

func (c *Consumer) drop() {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	c.ch = nil
	c.deliveries = nil
}
