// Package outbox moves lifecycle events from the user_event_outbox table to
// the broker. Events are staged in the same transaction as the directory
// mutation they describe, dispatched right after commit, and re-published by
// a background relay when that first attempt fails.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hongminglow/usersync/internal/bus"
	"github.com/hongminglow/usersync/internal/events"
	"github.com/hongminglow/usersync/internal/storage"
)

// Publisher sends one event to the broker. *bus.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, env bus.Envelope) error
}

// Options tunes dispatching and relaying.
type Options struct {
	// MaxAttempts bounds the synchronous publish right after commit.
	MaxAttempts int
	// Timeout bounds one dispatch including its retries.
	Timeout time.Duration
	// Grace keeps the relay away from rows the synchronous path still owns.
	Grace time.Duration

	PollInterval time.Duration
	BatchSize    int
	// Lease after which a processing row is considered abandoned.
	Lease time.Duration
}

const (
	defaultMaxAttempts  = 3
	defaultTimeout      = 5 * time.Second
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 50
	maxRetryDelay       = 5 * time.Minute
)

func (o Options) normalized() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.Grace <= 0 {
		o.Grace = 2 * o.Timeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.Lease <= 0 {
		o.Lease = 2 * o.Timeout
	}
	return o
}

// RetryDelay is the wait before publish attempt number attempt+1: one second
// doubling per attempt, capped at five minutes.
func RetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if attempt > 9 {
		return maxRetryDelay
	}
	delay := time.Second << (attempt - 1)
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

func envelope(entry storage.OutboxEntry) bus.Envelope {
	return bus.Envelope{
		MessageID:   entry.EventID.String(),
		Type:        entry.Action,
		ContentType: events.ContentType,
		Body:        entry.Payload,
		Timestamp:   entry.CreatedAt,
	}
}

// Stage writes evt to the outbox through tx. The returned entry is handed to
// Dispatcher.Dispatch once tx has committed.
func Stage(ctx context.Context, repo storage.OutboxRepository, evt events.LifecycleEvent, notBefore time.Time) (storage.OutboxEntry, error) {
	payload, err := evt.Encode()
	if err != nil {
		return storage.OutboxEntry{}, fmt.Errorf("encode %s event: %w", evt.Action, err)
	}
	return repo.Enqueue(ctx, uuid.New(), string(evt.Action), payload, notBefore)
}
