package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hongminglow/usersync/internal/dbx"
	"github.com/hongminglow/usersync/internal/models"
)

// ErrNotFound indicates a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists indicates a uniqueness conflict.
var ErrAlreadyExists = errors.New("record already exists")

// UserRepository captures persistence of directory users.
type UserRepository interface {
	Create(ctx context.Context, user models.User) (models.User, error)
	Get(ctx context.Context, id int64) (models.User, error)
	FindByUsername(ctx context.Context, username string) (models.User, error)
	List(ctx context.Context, offset, limit int) ([]models.User, error)
	Update(ctx context.Context, id int64, changes UserChanges) (models.User, error)
	Delete(ctx context.Context, id int64) (models.User, error)
}

// UserChanges lists the fields an update replaces; nil leaves a field as is.
type UserChanges struct {
	Username     *string
	PasswordHash *string
}

// OutboxEntry is one lifecycle event awaiting publication.
type OutboxEntry struct {
	ID           int64
	EventID      uuid.UUID
	Action       string
	Payload      []byte
	AttemptCount int
	CreatedAt    time.Time
}

// OutboxSummary reports outbox depth by status.
type OutboxSummary struct {
	Pending    int
	Processing int
	Failed     int
}

// OutboxRepository stores events written in the same transaction as the
// mutation they describe.
type OutboxRepository interface {
	// Enqueue inserts a pending entry the relay may pick up from notBefore on.
	Enqueue(ctx context.Context, eventID uuid.UUID, action string, payload []byte, notBefore time.Time) (OutboxEntry, error)
	// ClaimDue marks up to limit due entries as processing and returns them
	// ordered by id. Processing entries older than lease are reclaimed.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]OutboxEntry, error)
	// Complete removes a published entry. Removing a missing entry is not an error.
	Complete(ctx context.Context, id int64) error
	// MarkRetry schedules another publish attempt.
	MarkRetry(ctx context.Context, id int64, attempt int, next time.Time, lastErr string) error
	Summary(ctx context.Context) (OutboxSummary, error)
}

// Manager vends repositories bound to a DB handle or a transaction.
type Manager interface {
	Users(db dbx.DBTX) UserRepository
	Outbox(db dbx.DBTX) OutboxRepository
}
