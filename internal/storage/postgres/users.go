package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hongminglow/usersync/internal/dbx"
	"github.com/hongminglow/usersync/internal/models"
	"github.com/hongminglow/usersync/internal/storage"
)

var _ storage.UserRepository = (*UserRepository)(nil)

const userColumns = `id, username, password_hash, version, created_at, updated_at`

// UserRepository provides Postgres-backed persistence for users.
type UserRepository struct {
	db dbx.DBTX
}

func NewUserRepository(db dbx.DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a new user row.
func (r *UserRepository) Create(ctx context.Context, user models.User) (models.User, error) {
	const query = `
		INSERT INTO users (username, password_hash)
		VALUES ($1, $2)
		RETURNING ` + userColumns
	row := r.db.QueryRowContext(ctx, query, user.Username, user.PasswordHash)
	created, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, storage.ErrAlreadyExists
		}
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return created, nil
}

// Get fetches a user by id.
func (r *UserRepository) Get(ctx context.Context, id int64) (models.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return fetchUser(r.db.QueryRowContext(ctx, query, id), "get user")
}

// FindByUsername fetches a user by exact username.
func (r *UserRepository) FindByUsername(ctx context.Context, username string) (models.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE username = $1`
	return fetchUser(r.db.QueryRowContext(ctx, query, username), "find user by username")
}

// List returns a page of users ordered by id.
func (r *UserRepository) List(ctx context.Context, offset, limit int) ([]models.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users ORDER BY id LIMIT $1 OFFSET $2`
	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]models.User, 0, limit)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// Update replaces the non-nil fields of changes in a single statement and
// bumps the row version. The row lock taken here orders concurrent updates,
// so versions follow commit order.
func (r *UserRepository) Update(ctx context.Context, id int64, changes storage.UserChanges) (models.User, error) {
	const query = `
		UPDATE users
		SET username = COALESCE($2, username),
		    password_hash = COALESCE($3, password_hash),
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + userColumns
	row := r.db.QueryRowContext(ctx, query, id, nullString(changes.Username), nullString(changes.PasswordHash))
	updated, err := scanUser(row)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return models.User{}, storage.ErrNotFound
		case isUniqueViolation(err):
			return models.User{}, storage.ErrAlreadyExists
		}
		return models.User{}, fmt.Errorf("update user: %w", err)
	}
	return updated, nil
}

// Delete removes a user and returns the removed row.
func (r *UserRepository) Delete(ctx context.Context, id int64) (models.User, error) {
	const query = `DELETE FROM users WHERE id = $1 RETURNING ` + userColumns
	return fetchUser(r.db.QueryRowContext(ctx, query, id), "delete user")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Version, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

func fetchUser(row rowScanner, op string) (models.User, error) {
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, storage.ErrNotFound
		}
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}
	return user, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
