// Package directory is the user directory: the authoritative owner of user
// records. Every mutation commits together with an outbox row describing it,
// and the lifecycle event is published only after that commit.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hongminglow/usersync/internal/apperr"
	"github.com/hongminglow/usersync/internal/auth"
	"github.com/hongminglow/usersync/internal/dbx"
	"github.com/hongminglow/usersync/internal/events"
	"github.com/hongminglow/usersync/internal/logging"
	"github.com/hongminglow/usersync/internal/models"
	"github.com/hongminglow/usersync/internal/storage"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// EventDispatcher stages lifecycle events inside a transaction and publishes
// them once it has committed. *outbox.Dispatcher satisfies it.
type EventDispatcher interface {
	Stage(ctx context.Context, tx dbx.DBTX, evt events.LifecycleEvent) (storage.OutboxEntry, error)
	Dispatch(ctx context.Context, entry storage.OutboxEntry) error
}

type Service struct {
	db         *sql.DB
	manager    storage.Manager
	dispatcher EventDispatcher
	retry      dbx.RetryPolicy
	logger     logging.Logger
	hash       func(string) (string, error)
}

func NewService(db *sql.DB, manager storage.Manager, dispatcher EventDispatcher, logger logging.Logger) *Service {
	return &Service{
		db:         db,
		manager:    manager,
		dispatcher: dispatcher,
		retry:      dbx.DefaultRetryPolicy,
		logger:     logger.With("component", "directory"),
		hash:       auth.HashPassword,
	}
}

// Create stores a new user and announces it with a create event.
func (s *Service) Create(ctx context.Context, username, password string) (models.User, error) {
	if err := validateUsername(username); err != nil {
		return models.User{}, err
	}
	if err := validatePassword(password); err != nil {
		return models.User{}, err
	}
	hash, err := s.hash(password)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}

	return s.mutate(ctx, "create user", events.ActionCreate, func(ctx context.Context, users storage.UserRepository) (models.User, error) {
		return users.Create(ctx, models.User{Username: username, PasswordHash: hash})
	})
}

// Get returns the user with id.
func (s *Service) Get(ctx context.Context, id int64) (models.User, error) {
	if id <= 0 {
		return models.User{}, apperr.ErrNotFound
	}
	user, err := dbx.Retry(ctx, s.retry, func() (models.User, error) {
		return s.manager.Users(s.db).Get(ctx, id)
	})
	if err != nil {
		return models.User{}, mapStoreErr("get user", err)
	}
	return user, nil
}

// List returns a page of users ordered by id. A non-positive limit selects
// the default page size; larger limits are capped.
func (s *Service) List(ctx context.Context, offset, limit int) ([]models.User, error) {
	offset, limit = NormalizePage(offset, limit)
	users, err := dbx.Retry(ctx, s.retry, func() ([]models.User, error) {
		return s.manager.Users(s.db).List(ctx, offset, limit)
	})
	if err != nil {
		return nil, mapStoreErr("list users", err)
	}
	if users == nil {
		users = []models.User{}
	}
	return users, nil
}

// Update changes the username, the password, or both. At least one must be
// given.
func (s *Service) Update(ctx context.Context, id int64, username, password *string) (models.User, error) {
	if username == nil && password == nil {
		return models.User{}, fmt.Errorf("%w: nothing to update", apperr.ErrValidation)
	}
	if username != nil {
		if err := validateUsername(*username); err != nil {
			return models.User{}, err
		}
	}
	changes := storage.UserChanges{Username: username}
	if password != nil {
		if err := validatePassword(*password); err != nil {
			return models.User{}, err
		}
		hash, err := s.hash(*password)
		if err != nil {
			return models.User{}, fmt.Errorf("hash password: %w", err)
		}
		changes.PasswordHash = &hash
	}
	if id <= 0 {
		return models.User{}, apperr.ErrNotFound
	}

	return s.mutate(ctx, "update user", events.ActionUpdate, func(ctx context.Context, users storage.UserRepository) (models.User, error) {
		return users.Update(ctx, id, changes)
	})
}

// Delete removes the user and returns the record as it was.
func (s *Service) Delete(ctx context.Context, id int64) (models.User, error) {
	if id <= 0 {
		return models.User{}, apperr.ErrNotFound
	}
	return s.mutate(ctx, "delete user", events.ActionDelete, func(ctx context.Context, users storage.UserRepository) (models.User, error) {
		return users.Delete(ctx, id)
	})
}

// mutate runs apply and stages its lifecycle event in one transaction, then
// dispatches the event. A failed dispatch leaves the event to the relay and
// does not fail the mutation.
func (s *Service) mutate(
	ctx context.Context,
	op string,
	action events.Action,
	apply func(context.Context, storage.UserRepository) (models.User, error),
) (models.User, error) {
	var entry storage.OutboxEntry
	user, err := dbx.Retry(ctx, s.retry, func() (models.User, error) {
		var user models.User
		err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			var err error
			user, err = apply(ctx, s.manager.Users(tx))
			if err != nil {
				return err
			}
			entry, err = s.dispatcher.Stage(ctx, tx, events.NewLifecycleEvent(action, user))
			return err
		})
		return user, err
	})
	if err != nil {
		return models.User{}, mapStoreErr(op, err)
	}

	s.logger.Info(ctx, "user mutated", "action", action, "user_id", user.ID, "event_id", entry.EventID)
	if err := s.dispatcher.Dispatch(ctx, entry); err != nil {
		// The committed row stays in the outbox; the relay publishes it later.
		s.logger.Warn(ctx, "event left for relay", "action", action, "user_id", user.ID, "event_id", entry.EventID, "error", err)
	}
	return user, nil
}

// NormalizePage clamps pagination parameters.
func NormalizePage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return offset, limit
}

func validateUsername(username string) error {
	n := utf8.RuneCountInString(username)
	switch {
	case !utf8.ValidString(username):
		return fmt.Errorf("%w: username must be valid UTF-8", apperr.ErrValidation)
	case n == 0:
		return fmt.Errorf("%w: username is required", apperr.ErrValidation)
	case n > models.MaxUsernameLength:
		return fmt.Errorf("%w: username must be at most %d characters", apperr.ErrValidation, models.MaxUsernameLength)
	case strings.TrimSpace(username) != username:
		return fmt.Errorf("%w: username must not start or end with whitespace", apperr.ErrValidation)
	}
	return nil
}

func validatePassword(password string) error {
	if password == "" {
		return fmt.Errorf("%w: password is required", apperr.ErrValidation)
	}
	// bcrypt ignores everything past 72 bytes.
	if len(password) > 72 {
		return fmt.Errorf("%w: password must be at most 72 bytes", apperr.ErrValidation)
	}
	return nil
}

func mapStoreErr(op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apperr.ErrNotFound
	case errors.Is(err, storage.ErrAlreadyExists):
		return apperr.ErrDuplicateUsername
	case dbx.IsUnavailable(err):
		return fmt.Errorf("%w: %s: %v", apperr.ErrStoreUnavailable, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
