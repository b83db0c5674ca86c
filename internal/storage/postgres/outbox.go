package postgres

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hongminglow/usersync/internal/dbx"
	"github.com/hongminglow/usersync/internal/storage"
)

var _ storage.OutboxRepository = (*OutboxRepository)(nil)

// OutboxRepository persists lifecycle events until they reach the broker.
type OutboxRepository struct {
	db dbx.DBTX
}

func NewOutboxRepository(db dbx.DBTX) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) Enqueue(ctx context.Context, eventID uuid.UUID, action string, payload []byte, notBefore time.Time) (storage.OutboxEntry, error) {
	const query = `
		INSERT INTO user_event_outbox (event_id, action, payload, next_attempt_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`
	entry := storage.OutboxEntry{EventID: eventID, Action: action, Payload: payload}
	err := r.db.QueryRowContext(ctx, query, eventID, action, payload, notBefore).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return storage.OutboxEntry{}, fmt.Errorf("enqueue outbox event %s: %w", eventID, err)
	}
	return entry, nil
}

func (r *OutboxRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]storage.OutboxEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	const query = `
		UPDATE user_event_outbox
		SET status = 'processing', updated_at = $1
		WHERE id IN (
			SELECT id FROM user_event_outbox
			WHERE (status IN ('pending', 'failed') AND next_attempt_at <= $1)
			   OR (status = 'processing' AND updated_at <= $2)
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_id, action, payload, attempt_count, created_at`
	rows, err := r.db.QueryContext(ctx, query, now, now.Add(-lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox rows: %w", err)
	}
	defer rows.Close()

	entries := make([]storage.OutboxEntry, 0, limit)
	for rows.Next() {
		var entry storage.OutboxEntry
		if err := rows.Scan(&entry.ID, &entry.EventID, &entry.Action, &entry.Payload, &entry.AttemptCount, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	slices.SortFunc(entries, func(a, b storage.OutboxEntry) int { return cmp.Compare(a.ID, b.ID) })
	return entries, nil
}

func (r *OutboxRepository) Complete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM user_event_outbox WHERE id = $1`, id); err != nil {
		return fmt.Errorf("complete outbox row %d: %w", id, err)
	}
	return nil
}

func (r *OutboxRepository) MarkRetry(ctx context.Context, id int64, attempt int, next time.Time, lastErr string) error {
	const query = `
		UPDATE user_event_outbox
		SET status = 'failed',
		    attempt_count = $2,
		    next_attempt_at = $3,
		    last_error = $4,
		    updated_at = NOW()
		WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, attempt, next, lastErr); err != nil {
		return fmt.Errorf("mark outbox retry for row %d: %w", id, err)
	}
	return nil
}

func (r *OutboxRepository) Summary(ctx context.Context) (storage.OutboxSummary, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM user_event_outbox GROUP BY status`)
	if err != nil {
		return storage.OutboxSummary{}, fmt.Errorf("query outbox summary: %w", err)
	}
	defer rows.Close()

	var summary storage.OutboxSummary
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return storage.OutboxSummary{}, fmt.Errorf("scan outbox summary: %w", err)
		}
		switch strings.ToLower(strings.TrimSpace(status)) {
		case "pending":
			summary.Pending = count
		case "processing":
			summary.Processing = count
		case "failed":
			summary.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return storage.OutboxSummary{}, fmt.Errorf("iterate outbox summary: %w", err)
	}
	return summary, nil
}
