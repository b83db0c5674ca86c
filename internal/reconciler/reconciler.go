// Package reconciler applies delivered broker messages to local state. It
// pulls one delivery at a time, hands the decoded payload to an idempotent
// handler and settles the delivery only after the handler's side effect is
// done, so a crash in between leads to redelivery rather than loss.
package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/hongminglow/usersync/internal/apperr"
	"github.com/hongminglow/usersync/internal/bus"
	"github.com/hongminglow/usersync/internal/events"
	"github.com/hongminglow/usersync/internal/logging"
)

// Delivery is one received message awaiting settlement.
type Delivery interface {
	Body() []byte
	MessageID() string
	Redelivered() bool
	Ack() error
	Requeue() error
	Discard() error
}

// Source yields deliveries. Receive blocks until one arrives or ctx ends.
type Source interface {
	Receive(ctx context.Context) (Delivery, error)
}

type consumerSource struct {
	consumer *bus.Consumer
}

// FromConsumer adapts a bus consumer to Source.
func FromConsumer(c *bus.Consumer) Source {
	return consumerSource{consumer: c}
}

func (s consumerSource) Receive(ctx context.Context) (Delivery, error) {
	d, err := s.consumer.Receive(ctx)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// HandlerFunc applies one delivery body. Returning an error wrapping
// events.ErrMalformed or marked apperr.Permanent discards the delivery;
// events.ErrUnknownAction acknowledges it; any other error requeues it.
type HandlerFunc func(ctx context.Context, body []byte) error

// Outcome is how a delivery was settled.
type Outcome int

const (
	Acked Outcome = iota
	Requeued
	Discarded
)

func (o Outcome) String() string {
	switch o {
	case Acked:
		return "acked"
	case Requeued:
		return "requeued"
	case Discarded:
		return "discarded"
	}
	return "unknown"
}

type Reconciler struct {
	source Source
	handle HandlerFunc
	logger logging.Logger

	minPause time.Duration
	maxPause time.Duration
}

func New(name string, source Source, handle HandlerFunc, logger logging.Logger) *Reconciler {
	return &Reconciler{
		source:   source,
		handle:   handle,
		logger:   logger.With("component", "reconciler", "reconciler", name),
		minPause: 200 * time.Millisecond,
		maxPause: 30 * time.Second,
	}
}

// Run processes deliveries until ctx is cancelled. Consecutive failures
// lengthen the pause before the next receive; a success resets it.
func (r *Reconciler) Run(ctx context.Context) error {
	pause := backoff.NewExponentialBackOff()
	pause.InitialInterval = r.minPause
	pause.MaxInterval = r.maxPause

	r.logger.Info(ctx, "reconciler started")
	for {
		d, err := r.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info(ctx, "reconciler stopped")
				return nil
			}
			wait := pause.NextBackOff()
			r.logger.Warn(ctx, "receive failed", "error", err, "retry_in", wait)
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		if r.Process(ctx, d) == Requeued {
			if !sleep(ctx, pause.NextBackOff()) {
				return nil
			}
			continue
		}
		pause.Reset()
	}
}

// Process applies and settles a single delivery.
func (r *Reconciler) Process(ctx context.Context, d Delivery) Outcome {
	log := r.logger.With("message_id", d.MessageID(), "redelivered", d.Redelivered())

	err := r.handle(ctx, d.Body())
	outcome := classify(err)
	switch outcome {
	case Acked:
		if err != nil {
			log.Warn(ctx, "skipping message", "error", err)
		}
		settle(ctx, log, outcome, d.Ack())
	case Discarded:
		log.Error(ctx, "discarding unprocessable message", "error", err)
		settle(ctx, log, outcome, d.Discard())
	case Requeued:
		log.Warn(ctx, "handler failed, requeueing", "error", err)
		settle(ctx, log, outcome, d.Requeue())
	}
	return outcome
}

func classify(err error) Outcome {
	switch {
	case err == nil, errors.Is(err, events.ErrUnknownAction):
		return Acked
	case errors.Is(err, events.ErrMalformed), apperr.IsPermanent(err):
		return Discarded
	default:
		return Requeued
	}
}

// A failed settlement is left to the broker: the delivery comes back once
// the channel closes.
func settle(ctx context.Context, log logging.Logger, outcome Outcome, err error) {
	if err != nil {
		log.Warn(ctx, "settle delivery", "outcome", outcome.String(), "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
