package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/hongminglow/usersync/internal/dbx"
	"github.com/hongminglow/usersync/internal/events"
	"github.com/hongminglow/usersync/internal/logging"
	"github.com/hongminglow/usersync/internal/storage"
)

// Dispatcher performs the publish that follows a committed mutation.
type Dispatcher struct {
	manager storage.Manager
	db      *sql.DB
	pub     Publisher
	opts    Options
	logger  logging.Logger
	now     func() time.Time
}

func NewDispatcher(manager storage.Manager, db *sql.DB, pub Publisher, opts Options, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		manager: manager,
		db:      db,
		pub:     pub,
		opts:    opts.normalized(),
		logger:  logger.With("component", "outbox_dispatcher"),
		now:     time.Now,
	}
}

// Stage writes evt inside the caller's transaction. The relay leaves the row
// alone for the grace period so Dispatch gets the first attempt.
func (d *Dispatcher) Stage(ctx context.Context, tx dbx.DBTX, evt events.LifecycleEvent) (storage.OutboxEntry, error) {
	return Stage(ctx, d.manager.Outbox(tx), evt, d.now().Add(d.opts.Grace))
}

// Dispatch publishes a staged entry whose transaction has committed. The
// publish is detached from ctx cancellation so an abandoned request cannot
// strand the event; it is bounded by Options.Timeout instead.
//
// A failed publish is recorded on the row for the relay and returned, but
// the mutation it belongs to has already succeeded.
func (d *Dispatcher) Dispatch(ctx context.Context, entry storage.OutboxEntry) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.Timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second

	env := envelope(entry)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, d.pub.Publish(ctx, env)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(d.opts.MaxAttempts)))

	repo := d.manager.Outbox(d.db)
	if err != nil {
		attempt := entry.AttemptCount + 1
		next := d.now().Add(RetryDelay(attempt))
		d.logger.Warn(ctx, "publish deferred to relay",
			"event_id", entry.EventID, "action", entry.Action, "error", err, "next_attempt_at", next)
		if markErr := repo.MarkRetry(ctx, entry.ID, attempt, next, err.Error()); markErr != nil {
			d.logger.Error(ctx, "record publish failure", "event_id", entry.EventID, "error", markErr)
		}
		return err
	}

	if err := repo.Complete(ctx, entry.ID); err != nil {
		// The relay will publish it again after the grace period.
		d.logger.Warn(ctx, "clear published outbox row", "event_id", entry.EventID, "error", err)
	}
	d.logger.Debug(ctx, "event published", "event_id", entry.EventID, "action", entry.Action)
	return nil
}
