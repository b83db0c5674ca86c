package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hongminglow/usersync/internal/apperr"
)

const returnBuffer = 16

// Envelope is one outgoing message.
type Envelope struct {
	MessageID   string
	Type        string
	ContentType string
	Body        []byte
	Timestamp   time.Time
}

// Publisher sends persistent messages on a route and waits for the broker to
// confirm each one. Messages are published as mandatory, so one the broker
// cannot route to any queue fails instead of vanishing. It is safe for
// concurrent use; publishes are serialized on a single confirm-mode channel.
type Publisher struct {
	conn  *Connection
	route Route

	mu      sync.Mutex
	ch      *amqp.Channel
	returns <-chan amqp.Return
}

func NewPublisher(conn *Connection, route Route) *Publisher {
	return &Publisher{conn: conn, route: route}
}

// Route is where this publisher sends messages.
func (p *Publisher) Route() Route {
	return p.route
}

// Publish returns nil only after the broker has confirmed the message.
// Failures wrap apperr.ErrBrokerUnavailable and drop the channel so the next
// call starts from a fresh one.
func (p *Publisher) Publish(ctx context.Context, env Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  env.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    env.MessageID,
		Type:         env.Type,
		Timestamp:    env.Timestamp,
		Body:         env.Body,
	}
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.route.Exchange, p.route.RoutingKey(), true, false, msg)
	if err != nil {
		p.reset()
		return fmt.Errorf("%w: publish %s: %v", apperr.ErrBrokerUnavailable, env.MessageID, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		p.reset()
		return fmt.Errorf("%w: await confirm %s: %v", apperr.ErrBrokerUnavailable, env.MessageID, err)
	}
	if !acked {
		return fmt.Errorf("%w: broker nacked %s", apperr.ErrBrokerUnavailable, env.MessageID)
	}
	// The broker sends basic.return before the ack of the same message.
	if ret, ok := p.returned(env.MessageID); ok {
		return fmt.Errorf("%w: %s unroutable: %d %s", apperr.ErrBrokerUnavailable, env.MessageID, ret.ReplyCode, ret.ReplyText)
	}
	return nil
}

// returned drains pending returns and reports the one for messageID, if any.
func (p *Publisher) returned(messageID string) (amqp.Return, bool) {
	var (
		found amqp.Return
		ok    bool
	)
	for {
		select {
		case ret, open := <-p.returns:
			if !open {
				p.returns = nil
				return found, ok
			}
			if ret.MessageId == messageID {
				found, ok = ret, true
			}
		default:
			return found, ok
		}
	}
}

// Close releases the publishing channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}

func (p *Publisher) channel(ctx context.Context) (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.conn.Channel(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.route.declare(ch); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: declare route: %v", apperr.ErrBrokerUnavailable, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: enable confirms: %v", apperr.ErrBrokerUnavailable, err)
	}
	p.ch = ch
	p.returns = ch.NotifyReturn(make(chan amqp.Return, returnBuffer))
	return ch, nil
}

func (p *Publisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	p.returns = nil
}
