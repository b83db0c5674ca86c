package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hongminglow/usersync/internal/logging"
	"github.com/hongminglow/usersync/internal/storage"
)

// Relay periodically publishes outbox rows the synchronous path left behind,
// whether because the broker was down or the process died after commit.
type Relay struct {
	repo   storage.OutboxRepository
	pub    Publisher
	opts   Options
	logger logging.Logger
	now    func() time.Time
}

func NewRelay(manager storage.Manager, db *sql.DB, pub Publisher, opts Options, logger logging.Logger) *Relay {
	return newRelay(manager.Outbox(db), pub, opts, logger)
}

func newRelay(repo storage.OutboxRepository, pub Publisher, opts Options, logger logging.Logger) *Relay {
	return &Relay{
		repo:   repo,
		pub:    pub,
		opts:   opts.normalized(),
		logger: logger.With("component", "outbox_relay"),
		now:    time.Now,
	}
}

// Run flushes due rows every poll interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info(ctx, "outbox relay started", "poll_interval", r.opts.PollInterval, "batch_size", r.opts.BatchSize)
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		if n, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error(ctx, "outbox flush failed", "error", err)
		} else if n > 0 {
			r.logger.Info(ctx, "outbox flushed", "published", n)
		}

		select {
		case <-ctx.Done():
			r.logger.Info(ctx, "outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Flush claims one batch of due rows and publishes them in id order. It
// returns the number published; rows that fail are rescheduled.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := r.now()
	entries, err := r.repo.ClaimDue(ctx, now, r.opts.Lease, r.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, entry := range entries {
		pubCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		pubErr := r.pub.Publish(pubCtx, envelope(entry))
		cancel()

		if pubErr != nil {
			attempt := entry.AttemptCount + 1
			next := now.Add(RetryDelay(attempt))
			if err := r.repo.MarkRetry(ctx, entry.ID, attempt, next, pubErr.Error()); err != nil {
				return published, fmt.Errorf("reschedule event %s: %w", entry.EventID, err)
			}
			r.logger.Warn(ctx, "relay publish failed",
				"event_id", entry.EventID, "attempt", attempt, "next_attempt_at", next, "error", pubErr)
			continue
		}

		if err := r.repo.Complete(ctx, entry.ID); err != nil {
			return published, fmt.Errorf("complete event %s: %w", entry.EventID, err)
		}
		published++
	}
	return published, nil
}

// Pending reports outbox depth for health checks.
func (r *Relay) Pending(ctx context.Context) (storage.OutboxSummary, error) {
	return r.repo.Summary(ctx)
}
