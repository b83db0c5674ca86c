package bus

import amqp "github.com/rabbitmq/amqp091-go"

// Route describes where messages go. With an Exchange set, messages are
// published to a durable fanout exchange and Queue (if any) is bound to it.
// Without one, messages go through the default exchange straight to Queue.
type Route struct {
	Exchange string
	Queue    string
	// DeadLetter routes discarded deliveries to "<queue>.dead".
	DeadLetter bool
}

// RoutingKey is the key publishers use for this route.
func (r Route) RoutingKey() string {
	if r.Exchange == "" {
		return r.Queue
	}
	return ""
}

// DeadLetterQueue names the queue receiving discarded deliveries.
func (r Route) DeadLetterQueue() string {
	return r.Queue + ".dead"
}

type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// declare idempotently creates the exchange, queue and binding of r.
func (r Route) declare(ch declarer) error {
	if r.Exchange != "" {
		if err := ch.ExchangeDeclare(r.Exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return err
		}
	}
	if r.Queue == "" {
		return nil
	}

	var args amqp.Table
	if r.DeadLetter {
		if _, err := ch.QueueDeclare(r.DeadLetterQueue(), true, false, false, false, nil); err != nil {
			return err
		}
		args = amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": r.DeadLetterQueue(),
		}
	}
	if _, err := ch.QueueDeclare(r.Queue, true, false, false, false, args); err != nil {
		return err
	}
	if r.Exchange != "" {
		if err := ch.QueueBind(r.Queue, "", r.Exchange, false, nil); err != nil {
			return err
		}
	}
	return nil
}
