// Package bus wraps RabbitMQ behind the small surface the services need: a
// supervised connection that redials after failures, a confirming publisher
// with persistent delivery, and a pull-based consumer with explicit
// acknowledgement.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hongminglow/usersync/internal/apperr"
	"github.com/hongminglow/usersync/internal/logging"
)

// ErrClosed is returned once the connection has been shut down.
var ErrClosed = errors.New("bus connection closed")

// Dialer opens a broker connection. amqp.Dial satisfies it.
type Dialer func(url string) (*amqp.Connection, error)

// Connection lazily dials the broker and transparently replaces the
// underlying AMQP connection after it drops. It is safe for concurrent use.
type Connection struct {
	url    string
	logger logging.Logger
	dial   Dialer

	minBackoff time.Duration
	maxBackoff time.Duration

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

// NewConnection returns an unconnected Connection; the first Channel call dials.
func NewConnection(url string, logger logging.Logger) *Connection {
	return &Connection{
		url:        url,
		logger:     logger.With("component", "bus"),
		dial:       amqp.Dial,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// Channel opens a channel on a live connection. Connection failures are
// retried with exponential backoff until ctx ends, so a broker outage delays
// callers instead of failing them.
func (c *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.minBackoff
	b.MaxInterval = c.maxBackoff

	for {
		ch, err := c.open()
		if err == nil {
			return ch, nil
		}
		if errors.Is(err, ErrClosed) {
			return nil, err
		}

		wait := b.NextBackOff()
		c.logger.Warn(ctx, "broker unavailable, retrying", "error", err, "retry_in", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", apperr.ErrBrokerUnavailable, ctx.Err())
		case <-timer.C:
		}
	}
}

func (c *Connection) open() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.conn == nil || c.conn.IsClosed() {
		conn, err := c.dial(c.url)
		if err != nil {
			return nil, fmt.Errorf("%w: dial: %v", apperr.ErrBrokerUnavailable, err)
		}
		c.conn = conn
		go c.watch(conn, conn.NotifyClose(make(chan *amqp.Error, 1)))
		c.logger.Info(context.Background(), "broker connected")
	}

	ch, err := c.conn.Channel()
	if err != nil {
		_ = c.conn.Close()
		c.conn = nil
		return nil, fmt.Errorf("%w: open channel: %v", apperr.ErrBrokerUnavailable, err)
	}
	return ch, nil
}

// watch forgets conn once the broker closes it so the next Channel call
// redials instead of failing on a dead handle.
func (c *Connection) watch(conn *amqp.Connection, closes <-chan *amqp.Error) {
	reason, ok := <-closes
	if ok && reason != nil {
		c.logger.Warn(context.Background(), "broker connection lost", "code", reason.Code, "reason", reason.Reason)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
}

// Connected reports whether a live AMQP connection is currently held.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Close shuts the connection down. Subsequent Channel calls fail with ErrClosed.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}
